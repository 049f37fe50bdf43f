// Package config loads the roadie configuration from defaults, an optional
// YAML file and ROADIE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/ingest"
	"github.com/sydlexius/roadie/internal/logging"
	"github.com/sydlexius/roadie/internal/maintenance"
	"github.com/sydlexius/roadie/internal/resolve"
	"github.com/sydlexius/roadie/internal/webhook"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROADIE_"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Database    DatabaseConfig     `yaml:"database" envPrefix:"DATABASE_"`
	Logging     logging.Config     `yaml:"logging" envPrefix:"LOG_"`
	Resolver    ResolverConfig     `yaml:"resolver" envPrefix:"RESOLVER_"`
	Applier     ApplierConfig      `yaml:"applier" envPrefix:"APPLIER_"`
	Enrichment  EnrichmentConfig   `yaml:"enrichment" envPrefix:"ENRICHMENT_"`
	Extractor   ExtractorConfig    `yaml:"extractor" envPrefix:"EXTRACTOR_"`
	Ingest      IngestConfig       `yaml:"ingest" envPrefix:"INGEST_"`
	Inbox       InboxConfig        `yaml:"inbox" envPrefix:"INBOX_"`
	Webhooks    []webhook.Webhook  `yaml:"webhooks"`
	Auth        AuthConfig         `yaml:"auth" envPrefix:"AUTH_"`
	Maintenance maintenance.Config `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	BasePath        string        `yaml:"base_path" env:"BASE_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ResolverConfig holds matching thresholds per entity type.
type ResolverConfig struct {
	VenueMatch    float64       `yaml:"venue_match" env:"VENUE_MATCH"`
	VenueReview   float64       `yaml:"venue_review" env:"VENUE_REVIEW"`
	ArtistMatch   float64       `yaml:"artist_match" env:"ARTIST_MATCH"`
	ArtistReview  float64       `yaml:"artist_review" env:"ARTIST_REVIEW"`
	NoiseFloor    float64       `yaml:"noise_floor" env:"NOISE_FLOOR"`
	MaxCandidates int           `yaml:"max_candidates" env:"MAX_CANDIDATES"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" env:"LOOKUP_TIMEOUT"`
}

// Resolve converts the section to resolver parameters.
func (r ResolverConfig) Resolve() resolve.Config {
	return resolve.Config{
		Venue:         resolve.Thresholds{Match: r.VenueMatch, Review: r.VenueReview},
		Artist:        resolve.Thresholds{Match: r.ArtistMatch, Review: r.ArtistReview},
		NoiseFloor:    r.NoiseFloor,
		MaxCandidates: r.MaxCandidates,
		LookupTimeout: r.LookupTimeout,
	}
}

// ApplierConfig holds approval side-effect settings.
type ApplierConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// EnrichmentConfig holds gap-filling settings.
type EnrichmentConfig struct {
	// MinConfidence is the match confidence at or above which a matched
	// entity is considered the same record and may be enriched.
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// AutoApply fills gaps while approving instead of waiting for review.
	AutoApply bool `yaml:"auto_apply" env:"AUTO_APPLY"`
}

// ExtractorConfig holds the extraction service client settings.
type ExtractorConfig struct {
	Endpoint          string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RatePerSecond     float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	OAuthTokenURL     string        `yaml:"oauth_token_url" env:"OAUTH_TOKEN_URL"`
	OAuthClientID     string        `yaml:"oauth_client_id" env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string        `yaml:"oauth_client_secret" env:"OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string      `yaml:"oauth_scopes" env:"OAUTH_SCOPES" envSeparator:","`
}

// Client converts the section to extractor client settings.
func (e ExtractorConfig) Client() extract.Config {
	return extract.Config{
		Endpoint:      e.Endpoint,
		Timeout:       e.Timeout,
		RatePerSecond: e.RatePerSecond,
		OAuth: extract.OAuthConfig{
			TokenURL:     e.OAuthTokenURL,
			ClientID:     e.OAuthClientID,
			ClientSecret: e.OAuthClientSecret,
			Scopes:       e.OAuthScopes,
		},
	}
}

// IngestConfig holds extraction job settings.
type IngestConfig struct {
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	JobTimeout   time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// Jobs converts the section to ingest settings.
func (i IngestConfig) Jobs() ingest.Config {
	return ingest.Config(i)
}

// InboxConfig holds the drop-folder watcher settings.
type InboxConfig struct {
	Path     string        `yaml:"path" env:"PATH"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// Reviewer is an API token holder. Hash is a bcrypt hash of the token.
type Reviewer struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// AuthConfig holds reviewer credentials. With no reviewers configured the
// API is open and decisions are recorded as "anonymous".
type AuthConfig struct {
	Reviewers []Reviewer `yaml:"reviewers"`
	// Token is a single reviewer entry from the environment, "name:bcrypt-hash".
	Token string `yaml:"-" env:"TOKEN"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	rc := resolve.DefaultConfig()
	ic := ingest.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			BasePath:        "/",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/roadie.db",
		},
		Logging: logging.DefaultConfig(),
		Resolver: ResolverConfig{
			VenueMatch:    rc.Venue.Match,
			VenueReview:   rc.Venue.Review,
			ArtistMatch:   rc.Artist.Match,
			ArtistReview:  rc.Artist.Review,
			NoiseFloor:    rc.NoiseFloor,
			MaxCandidates: rc.MaxCandidates,
			LookupTimeout: rc.LookupTimeout,
		},
		Applier: ApplierConfig{
			WriteTimeout: 10 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			MinConfidence: 0.99,
		},
		Extractor: ExtractorConfig{
			Timeout:       60 * time.Second,
			RatePerSecond: 1,
		},
		Ingest: IngestConfig(ic),
		Inbox: InboxConfig{
			Debounce: 2 * time.Second,
		},
		Maintenance: maintenance.DefaultConfig(),
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// ReviewerList returns configured reviewers including the one from
// ROADIE_AUTH_TOKEN.
func (c *Config) ReviewerList() []Reviewer {
	out := append([]Reviewer(nil), c.Auth.Reviewers...)
	if name, hash, ok := strings.Cut(c.Auth.Token, ":"); ok {
		out = append(out, Reviewer{Name: name, Hash: hash})
	}
	return out
}

func (c *Config) validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Resolver.Resolve().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resolver: %w", err))
	}
	if c.Enrichment.MinConfidence < 0 || c.Enrichment.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("enrichment min_confidence %v outside [0,1]", c.Enrichment.MinConfidence))
	}
	if c.Auth.Token != "" && !strings.Contains(c.Auth.Token, ":") {
		errs = append(errs, errors.New("auth token must be name:bcrypt-hash"))
	}
	for _, r := range c.ReviewerList() {
		if r.Name == "" || r.Hash == "" {
			errs = append(errs, errors.New("reviewers need a name and a hash"))
			break
		}
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return errors.Join(errs...)
}

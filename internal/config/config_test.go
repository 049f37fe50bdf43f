package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roadie.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.BasePath != "" {
		t.Errorf("server = %+v", cfg.Server)
	}
	rc := cfg.Resolver.Resolve()
	if rc.Venue.Match != 0.99 || rc.Artist.Match != 0.95 || rc.Venue.Review != 0.60 {
		t.Errorf("resolver = %+v", rc)
	}
	if cfg.Enrichment.MinConfidence != 0.99 || cfg.Enrichment.AutoApply {
		t.Errorf("enrichment = %+v", cfg.Enrichment)
	}
	if cfg.Ingest.Jobs().Workers != 2 {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/data/roadie.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  base_path: /roadie/
resolver:
  venue_match: 0.97
  lookup_timeout: 2s
enrichment:
  auto_apply: true
extractor:
  endpoint: http://extractor:8000/extract
  oauth_scopes: [extract]
webhooks:
  - name: ops
    url: https://hooks.example.com/ops
    type: slack
    events: [queue.item.apply_failed]
    enabled: true
auth:
  reviewers:
    - name: sam
      hash: $2a$10$abcdefghijklmnopqrstuv
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.BasePath != "/roadie" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Resolver.VenueMatch != 0.97 || cfg.Resolver.LookupTimeout != 2*time.Second {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	if cfg.Resolver.ArtistMatch != 0.95 {
		t.Error("unset fields should keep their defaults")
	}
	if !cfg.Enrichment.AutoApply {
		t.Error("expected auto_apply")
	}
	ec := cfg.Extractor.Client()
	if ec.Endpoint != "http://extractor:8000/extract" || len(ec.OAuth.Scopes) != 1 {
		t.Errorf("extractor = %+v", ec)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Type != "slack" || !cfg.Webhooks[0].Enabled {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
	if r := cfg.ReviewerList(); len(r) != 1 || r[0].Name != "sam" {
		t.Errorf("reviewers = %+v", r)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("ROADIE_SERVER_PORT", "7070")
	t.Setenv("ROADIE_DATABASE_PATH", "/tmp/roadie.db")
	t.Setenv("ROADIE_LOG_LEVEL", "debug")
	t.Setenv("ROADIE_RESOLVER_ARTIST_MATCH", "0.9")
	t.Setenv("ROADIE_EXTRACTOR_OAUTH_SCOPES", "a,b")
	t.Setenv("ROADIE_INGEST_JOB_TIMEOUT", "90s")
	t.Setenv("ROADIE_MAINTENANCE_ENABLED", "false")
	t.Setenv("ROADIE_AUTH_TOKEN", "ci:$2a$10$hash")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/roadie.db" || cfg.Logging.Level != "debug" {
		t.Errorf("database/logging = %q %q", cfg.Database.Path, cfg.Logging.Level)
	}
	if cfg.Resolver.ArtistMatch != 0.9 {
		t.Errorf("artist match = %v", cfg.Resolver.ArtistMatch)
	}
	if got := cfg.Extractor.OAuthScopes; len(got) != 2 || got[1] != "b" {
		t.Errorf("scopes = %v", got)
	}
	if cfg.Ingest.JobTimeout != 90*time.Second || cfg.Maintenance.Enabled {
		t.Errorf("ingest/maintenance = %+v %+v", cfg.Ingest, cfg.Maintenance)
	}
	if r := cfg.ReviewerList(); len(r) != 1 || r[0].Name != "ci" || r[0].Hash != "$2a$10$hash" {
		t.Errorf("reviewers = %+v", r)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port", map[string]string{"ROADIE_SERVER_PORT": "0"}, "invalid port"},
		{"log level", map[string]string{"ROADIE_LOG_LEVEL": "trace"}, "log level"},
		{"thresholds", map[string]string{"ROADIE_RESOLVER_VENUE_REVIEW": "0.995"}, "resolver"},
		{"min confidence", map[string]string{"ROADIE_ENRICHMENT_MIN_CONFIDENCE": "1.5"}, "min_confidence"},
		{"token", map[string]string{"ROADIE_AUTH_TOKEN": "no-separator"}, "auth token"},
		{"unparsable", map[string]string{"ROADIE_SERVER_PORT": "eighty"}, "parsing environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

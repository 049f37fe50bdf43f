package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/version"
)

const maxResponseBytes = 4 << 20

// Config holds extraction service settings.
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	OAuth         OAuthConfig   `yaml:"oauth"`
}

// OAuthConfig enables the OAuth2 client credentials flow when ClientID is set.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type extractRequest struct {
	SourceName string `json:"source_name,omitempty"`
	Text       string `json:"text"`
}

type extractResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// HTTPClient calls a remote extraction service.
type HTTPClient struct {
	client   *http.Client
	limiter  *rate.Limiter
	endpoint string
	logger   *slog.Logger
}

// NewHTTPClient creates an extraction client. ctx is only used by the OAuth2
// token source.
func NewHTTPClient(ctx context.Context, cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("extractor endpoint is not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	client := &http.Client{Timeout: timeout}
	if cfg.OAuth.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = timeout
	}

	return &HTTPClient{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		endpoint: cfg.Endpoint,
		logger:   logger.With(slog.String("component", "extractor")),
	}, nil
}

// Extract sends the source text to the extraction service. HTML sources are
// flattened to text first. Only a 200 response with a candidate list counts
// as success; an accepted-but-pending or unavailable response is a
// retryable failure.
func (c *HTTPClient) Extract(ctx context.Context, src Source) ([]Candidate, error) {
	text := src.Content
	if IsHTML(src) {
		flat, err := FlattenHTML(src.Content)
		if err != nil {
			return nil, &apperr.ValidationError{Field: "source", Reason: "unparseable html: " + err.Error()}
		}
		text = flat
	}
	if strings.TrimSpace(text) == "" {
		return nil, &apperr.ValidationError{Field: "source", Reason: "empty content"}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &apperr.UpstreamExtractionError{Cause: fmt.Errorf("rate limiter: %w", err)}
	}

	payload, err := json.Marshal(extractRequest{SourceName: src.Name, Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	c.logger.Debug("requesting extraction", slog.String("source", src.Name), slog.Int("bytes", len(text)))

	start := time.Now()
	resp, err := c.client.Do(req) //nolint:gosec // endpoint comes from operator config
	if err != nil {
		return nil, &apperr.UpstreamExtractionError{Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusAccepted,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &apperr.UpstreamExtractionError{Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction service rejected request: HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out extractResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, &apperr.UpstreamExtractionError{Cause: fmt.Errorf("decoding response: %w", err)}
	}

	c.logger.Info("extraction completed",
		slog.String("source", src.Name),
		slog.Int("candidates", len(out.Candidates)),
		slog.Duration("duration", time.Since(start)))

	return out.Candidates, nil
}

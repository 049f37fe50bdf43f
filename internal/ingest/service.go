// Package ingest runs extraction batches through resolution into the review
// queue, synchronously or as tracked background jobs.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/metrics"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

// Resolver resolves one name.
type Resolver interface {
	Resolve(ctx context.Context, target registry.EntityType, name string, hints resolve.Hints) (resolve.Resolution, error)
}

// Enqueuer stores a batch of queue items atomically.
type Enqueuer interface {
	Enqueue(ctx context.Context, items []queue.Item) error
}

// Config holds ingest settings.
type Config struct {
	// Concurrency bounds parallel candidate resolution.
	Concurrency int `yaml:"concurrency"`
	// Workers is the number of background job runners.
	Workers int `yaml:"workers"`
	// JobTimeout bounds one job attempt.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// PollInterval is how often idle workers look for pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxAttempts caps automatic retries of retryable job failures.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns the default ingest settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:  8,
		Workers:      2,
		JobTimeout:   5 * time.Minute,
		PollInterval: 10 * time.Second,
		MaxAttempts:  3,
	}
}

// Skip is a candidate that was not queued. It carries the candidate so the
// caller can retry it.
type Skip struct {
	Index int `json:"index"`
	extract.Candidate
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Report is the result of one ingest.
type Report struct {
	JobID      string   `json:"job_id,omitempty"`
	Candidates int      `json:"candidates"`
	Queued     int      `json:"queued"`
	ItemIDs    []string `json:"item_ids"`
	Skipped    []Skip   `json:"skipped,omitempty"`
}

// RetryableSkips counts skipped candidates that may succeed on another run.
func (r *Report) RetryableSkips() int {
	n := 0
	for _, sk := range r.Skipped {
		if sk.Retryable {
			n++
		}
	}
	return n
}

// Service ingests extraction sources.
type Service struct {
	db        *sql.DB
	extractor extract.Extractor
	resolver  Resolver
	queue     Enqueuer
	cfg       Config
	events    event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	wake   chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates an ingest service. events and m may be nil.
func NewService(db *sql.DB, ex extract.Extractor, r Resolver, q Enqueuer, cfg Config, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if events == nil {
		events = event.Discard
	}
	return &Service{
		db:        db,
		extractor: ex,
		resolver:  r,
		queue:     q,
		cfg:       cfg,
		events:    events,
		metrics:   m,
		logger:    logger.With(slog.String("component", "ingest")),
		wake:      make(chan struct{}, 1),
	}
}

// Ingest extracts candidates from src, resolves them and queues the result.
// An extraction failure queues nothing. A candidate that fails validation or
// resolution is reported in Skipped and does not affect its siblings.
func (s *Service) Ingest(ctx context.Context, src extract.Source) (*Report, error) {
	candidates, err := s.extract(ctx, src)
	if err != nil {
		return nil, err
	}
	return s.queueCandidates(ctx, src.Name, "", candidates, nil)
}

func (s *Service) extract(ctx context.Context, src extract.Source) ([]extract.Candidate, error) {
	candidates, err := s.extractor.Extract(ctx, src)
	if err != nil {
		s.logger.Warn("extraction failed", slog.String("source", src.Name), slog.String("error", err.Error()))
		return nil, err
	}
	return candidates, nil
}

// queueCandidates resolves the candidates not in done and enqueues them as one
// batch. Items are tagged with jobID and their batch index.
func (s *Service) queueCandidates(ctx context.Context, source, jobID string, candidates []extract.Candidate, done map[int]bool) (*Report, error) {
	todo := make([]int, 0, len(candidates))
	for i := range candidates {
		if !done[i] {
			todo = append(todo, i)
		}
	}

	rep := &Report{JobID: jobID, Candidates: len(candidates), ItemIDs: []string{}}
	items, skips := s.resolveAll(ctx, candidates, todo)
	rep.Skipped = skips

	for i := range items {
		items[i].JobID = jobID
	}
	if err := s.queue.Enqueue(ctx, items); err != nil {
		return nil, &apperr.UpstreamWriteError{Op: "enqueue", Cause: err}
	}
	for i := range items {
		rep.ItemIDs = append(rep.ItemIDs, items[i].ID)
	}
	rep.Queued = len(done) + len(items)

	s.logger.Info("ingest finished",
		slog.String("source", source),
		slog.Int("candidates", rep.Candidates),
		slog.Int("queued", rep.Queued),
		slog.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

// resolveAll resolves the candidates at the given indexes in parallel.
// Output order follows input order.
func (s *Service) resolveAll(ctx context.Context, candidates []extract.Candidate, indexes []int) ([]queue.Item, []Skip) {
	type outcome struct {
		item *queue.Item
		err  error
	}
	results := make([]outcome, len(indexes))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for n, i := range indexes {
		g.Go(func() error {
			it, err := s.resolveOne(ctx, candidates[i])
			results[n] = outcome{item: it, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var items []queue.Item
	var skips []Skip
	for n, r := range results {
		i := indexes[n]
		if r.err != nil {
			skips = append(skips, Skip{
				Index:     i,
				Candidate: candidates[i],
				Error:     r.err.Error(),
				Kind:      apperr.KindOf(r.err),
				Retryable: apperr.Retryable(r.err),
			})
			continue
		}
		r.item.JobIndex = i
		items = append(items, *r.item)
	}
	return items, skips
}

func (s *Service) resolveOne(ctx context.Context, c extract.Candidate) (*queue.Item, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var res [2]resolve.Resolution
	for i, t := range []registry.EntityType{registry.Venue, registry.Artist} {
		start := time.Now()
		r, err := s.resolver.Resolve(ctx, t, c.Name(t), resolve.Hints{
			SourceURL: c.SourceURL,
			Metadata:  c.Details(t),
		})
		if err != nil {
			return nil, fmt.Errorf("resolving %s %q: %w", t, c.Name(t), err)
		}
		s.metrics.RecordResolution(string(t), string(r.Action()), time.Since(start))
		res[i] = r
	}
	it := queue.NewItem(c, res[0], res[1])
	return &it, nil
}

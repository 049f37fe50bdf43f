package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/apply"
	"github.com/sydlexius/roadie/internal/config"
	"github.com/sydlexius/roadie/internal/database"
	"github.com/sydlexius/roadie/internal/enrich"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/ingest"
	"github.com/sydlexius/roadie/internal/logging"
	"github.com/sydlexius/roadie/internal/maintenance"
	"github.com/sydlexius/roadie/internal/metrics"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
	"github.com/sydlexius/roadie/internal/webhook"
)

// app is the wired service graph shared by the server and CLI commands.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	logs        *logging.Manager
	logger      *slog.Logger
	bus         *event.Bus
	busDone     chan struct{}
	metrics     *metrics.Metrics
	registry    *registry.Service
	queue       *queue.Service
	enrich      *enrich.Engine
	ingest      *ingest.Service
	webhooks    *webhook.Service
	dispatcher  *webhook.Dispatcher
	maintenance *maintenance.Service
}

func newApp(ctx context.Context, cfg *config.Config, logCfg logging.Config) (*app, error) {
	logs, logger := logging.NewManager(logCfg)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			logs.Close() //nolint:errcheck
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logs.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()   //nolint:errcheck
		logs.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("database ready", slog.String("path", cfg.Database.Path))

	a := &app{
		cfg:      cfg,
		db:       db,
		logs:     logs,
		logger:   logger,
		bus:      event.NewBus(logger, 256),
		busDone:  make(chan struct{}),
		metrics:  metrics.New(),
		registry: registry.NewService(db),
		webhooks: webhook.NewService(db),
	}
	go func() {
		a.bus.Start()
		close(a.busDone)
	}()

	a.dispatcher = webhook.NewDispatcher(a.webhooks, logger)
	a.dispatcher.Register(a.bus)
	if n, err := a.webhooks.Seed(ctx, cfg.Webhooks); err != nil {
		logger.Warn("seeding configured webhooks", "error", err)
	} else if n > 0 {
		logger.Info("seeded configured webhooks", slog.Int("created", n))
	}

	applier := apply.New(a.registry, apply.Config{
		WriteTimeout:        cfg.Applier.WriteTimeout,
		AutoEnrich:          cfg.Enrichment.AutoApply,
		MinEnrichConfidence: cfg.Enrichment.MinConfidence,
	}, a.bus, a.metrics, logger)

	a.queue = queue.NewService(db, applier, logger,
		queue.WithPublisher(a.bus),
		queue.WithMetrics(a.metrics),
		queue.WithEntityLookup(a.registry),
	)
	a.enrich = enrich.NewEngine(a.registry, a.queue, cfg.Enrichment.MinConfidence, a.bus, a.metrics, logger)

	extractor, err := newExtractor(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	resolver := resolve.New(a.registry, cfg.Resolver.Resolve(), logger)
	a.ingest = ingest.NewService(db, extractor, resolver, a.queue, cfg.Ingest.Jobs(), a.bus, a.metrics, logger)

	a.maintenance = maintenance.NewService(db, cfg.Database.Path, a.queue, a.ingest, cfg.Maintenance, logger)
	return a, nil
}

// Close drains pending events and webhook deliveries, then releases the
// database and log file.
func (a *app) Close() {
	a.bus.Stop()
	<-a.busDone
	a.dispatcher.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.logs.Close() //nolint:errcheck
}

func newExtractor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (extract.Extractor, error) {
	if cfg.Extractor.Endpoint == "" {
		logger.Debug("no extractor endpoint configured; extraction jobs will fail")
		return unconfiguredExtractor{}, nil
	}
	c, err := extract.NewHTTPClient(ctx, cfg.Extractor.Client(), logger)
	if err != nil {
		return nil, fmt.Errorf("creating extractor client: %w", err)
	}
	return c, nil
}

// unconfiguredExtractor fails every extraction permanently so jobs do not
// retry until an endpoint is configured.
type unconfiguredExtractor struct{}

func (unconfiguredExtractor) Extract(context.Context, extract.Source) ([]extract.Candidate, error) {
	return nil, &apperr.ValidationError{Field: "extractor.endpoint", Reason: "no extraction service configured"}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/api"
	"github.com/sydlexius/roadie/internal/api/middleware"
	"github.com/sydlexius/roadie/internal/config"
	"github.com/sydlexius/roadie/internal/version"
	"github.com/sydlexius/roadie/internal/watcher"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the review API, extraction workers and inbox watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), ctx, cfg)
		},
	}
}

func serve(parent context.Context, cc *commandContext, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lockPath := filepath.Join(filepath.Dir(cfg.Database.Path), "roadie.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another roadie server is using %s", filepath.Dir(cfg.Database.Path))
	}
	defer lock.Unlock() //nolint:errcheck

	a, err := newApp(ctx, cfg, cfg.Logging)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("roadie starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("logging", cfg.Logging.String()))

	go reloadOnHangup(ctx, cc.configPath(), a, logger)

	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("starting extraction workers: %w", err)
	}
	defer a.ingest.Stop()

	if cfg.Inbox.Path != "" {
		inbox := watcher.NewService(cfg.Inbox.Path, a.ingest, cfg.Inbox.Debounce, logger)
		inboxDone := make(chan struct{})
		go func() {
			defer close(inboxDone)
			if err := inbox.Start(ctx); err != nil {
				logger.Error("inbox watcher stopped", "error", err)
			}
		}()
		defer func() {
			stop()
			<-inboxDone
		}()
	}

	go a.maintenance.StartScheduler(ctx)

	reviewers := cfg.ReviewerList()
	creds := make([]middleware.Reviewer, 0, len(reviewers))
	for _, r := range reviewers {
		creds = append(creds, middleware.Reviewer{Name: r.Name, Hash: r.Hash})
	}
	if len(creds) == 0 {
		logger.Warn("no reviewers configured; the API accepts anonymous decisions")
	}

	router := api.NewRouter(api.RouterDeps{
		Queue:       a.queue,
		Registry:    a.registry,
		Enrich:      a.enrich,
		Ingest:      a.ingest,
		Webhooks:    a.webhooks,
		Dispatcher:  a.dispatcher,
		Maintenance: a.maintenance,
		Auth:        middleware.NewAuthenticator(creds),
		DB:          a.db,
		Logger:      logger,
		BasePath:    cfg.Server.BasePath,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", addr), slog.String("base_path", cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadOnHangup re-reads the configuration file on SIGHUP and applies the
// logging section. Other settings need a restart.
func reloadOnHangup(ctx context.Context, path string, a *app, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Error("reloading config", "error", err)
				continue
			}
			a.logs.Reconfigure(cfg.Logging)
			logger.Info("reloaded logging config", "config", cfg.Logging.String())
		}
	}
}

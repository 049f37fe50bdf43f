// Package maintenance runs periodic housekeeping over the review queue, the
// extraction job table and the SQLite file itself.
package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Status holds database maintenance status information.
type Status struct {
	DBFileSize      int64   `json:"db_file_size"`
	WALFileSize     int64   `json:"wal_file_size"`
	PageCount       int64   `json:"page_count"`
	PageSize        int64   `json:"page_size"`
	LastOptimizeAt  string  `json:"last_optimize_at,omitempty"`
	LastRunAt       string  `json:"last_run_at,omitempty"`
	LastRun         *Report `json:"last_run,omitempty"`
	ScheduleEnabled bool    `json:"schedule_enabled"`
	Interval        string  `json:"interval"`
}

// Config holds the housekeeping schedule and retention settings.
type Config struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// RetainDecided is how long approved and rejected items are kept so that
	// late decisions are reported as already processed.
	RetainDecided time.Duration `yaml:"retain_decided" env:"RETAIN_DECIDED"`
	RetainJobs    time.Duration `yaml:"retain_jobs" env:"RETAIN_JOBS"`
	// StuckAfter is how long an approval claim may stay incomplete before
	// the item is returned to pending.
	StuckAfter time.Duration `yaml:"stuck_after" env:"STUCK_AFTER"`
}

// DefaultConfig returns the default housekeeping settings.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Interval:      6 * time.Hour,
		RetainDecided: 30 * 24 * time.Hour,
		RetainJobs:    7 * 24 * time.Hour,
		StuckAfter:    15 * time.Minute,
	}
}

// Queue is the part of the review queue housekeeping needs.
type Queue interface {
	ResetStuck(ctx context.Context, age time.Duration) (int64, error)
	PurgeDecided(ctx context.Context, age time.Duration) (int64, error)
}

// Jobs is the part of the extraction job store housekeeping needs.
type Jobs interface {
	PurgeJobs(ctx context.Context, age time.Duration) (int64, error)
}

// Report summarizes one housekeeping run.
type Report struct {
	ResetItems   int64    `json:"reset_items"`
	PurgedItems  int64    `json:"purged_items"`
	PurgedJobs   int64    `json:"purged_jobs"`
	Optimized    bool     `json:"optimized"`
	Errors       []string `json:"errors,omitempty"`
	DurationMsec int64    `json:"duration_ms"`
}

// Service provides database maintenance operations.
type Service struct {
	db     *sql.DB
	dbPath string
	queue  Queue
	jobs   Jobs
	cfg    Config
	logger *slog.Logger
}

// NewService creates a maintenance service. queue and jobs may be nil.
func NewService(db *sql.DB, dbPath string, queue Queue, jobs Jobs, cfg Config, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Service{
		db:     db,
		dbPath: dbPath,
		queue:  queue,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "maintenance")),
	}
}

// Status returns current database maintenance status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		ScheduleEnabled: s.cfg.Enabled,
		Interval:        s.cfg.Interval.String(),
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&st.PageCount); err != nil {
		s.logger.Warn("reading page_count", "error", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&st.PageSize); err != nil {
		s.logger.Warn("reading page_size", "error", err)
	}

	st.LastOptimizeAt = s.getSetting(ctx, "maintenance.last_optimize_at")
	st.LastRunAt = s.getSetting(ctx, "maintenance.last_run_at")
	if raw := s.getSetting(ctx, "maintenance.last_run"); raw != "" {
		var r Report
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			st.LastRun = &r
		}
	}
	return st, nil
}

// Run performs one housekeeping pass: interrupted approvals are returned to
// pending, old tombstones and finished jobs are purged, and the database is
// optimized. A failing step is recorded and the remaining steps still run.
func (s *Service) Run(ctx context.Context) *Report {
	start := time.Now()
	r := &Report{}
	fail := func(step string, err error) {
		s.logger.Error("maintenance step failed", slog.String("step", step), slog.String("error", err.Error()))
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
	}

	if s.queue != nil {
		if s.cfg.StuckAfter > 0 {
			n, err := s.queue.ResetStuck(ctx, s.cfg.StuckAfter)
			if err != nil {
				fail("reset stuck items", err)
			}
			r.ResetItems = n
		}
		if s.cfg.RetainDecided > 0 {
			n, err := s.queue.PurgeDecided(ctx, s.cfg.RetainDecided)
			if err != nil {
				fail("purge decided items", err)
			}
			r.PurgedItems = n
		}
	}
	if s.jobs != nil && s.cfg.RetainJobs > 0 {
		n, err := s.jobs.PurgeJobs(ctx, s.cfg.RetainJobs)
		if err != nil {
			fail("purge jobs", err)
		}
		r.PurgedJobs = n
	}
	if err := s.Optimize(ctx); err != nil {
		fail("optimize", err)
	} else {
		r.Optimized = true
	}

	r.DurationMsec = time.Since(start).Milliseconds()
	if raw, err := json.Marshal(r); err == nil {
		s.setSetting(ctx, "maintenance.last_run", string(raw))
	}
	s.setSetting(ctx, "maintenance.last_run_at", time.Now().UTC().Format(time.RFC3339))

	s.logger.Info("maintenance complete",
		slog.Int64("reset_items", r.ResetItems),
		slog.Int64("purged_items", r.PurgedItems),
		slog.Int64("purged_jobs", r.PurgedJobs),
		slog.Int("errors", len(r.Errors)))
	return r
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint.
func (s *Service) Optimize(ctx context.Context) error {
	s.logger.Debug("running PRAGMA optimize")
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}

	s.logger.Debug("running WAL checkpoint")
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}

	s.setSetting(ctx, "maintenance.last_optimize_at", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Vacuum runs VACUUM to rebuild the database file.
func (s *Service) Vacuum(ctx context.Context) error {
	s.logger.Info("running VACUUM")
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("VACUUM: %w", err)
	}
	s.logger.Info("vacuum complete")
	return nil
}

// StartScheduler runs housekeeping once immediately and then on the
// configured interval until the context is canceled. It returns at once when
// the schedule is disabled.
func (s *Service) StartScheduler(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("maintenance scheduler disabled")
		return
	}
	s.logger.Info("maintenance scheduler started",
		slog.String("interval", s.cfg.Interval.String()))

	s.Run(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

func (s *Service) getSetting(ctx context.Context, key string) string {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

func (s *Service) setSetting(ctx context.Context, key, value string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("recording maintenance setting", slog.String("key", key), slog.String("error", err.Error()))
	}
}

package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/extract"
)

// Job status values.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job tracks one asynchronous extraction. A pending job with a start time is
// running.
//
// The extracted candidates are stored with the job, so a rerun resolves only
// the candidates that did not reach the queue and never extracts twice.
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Running     bool       `json:"running"`
	SourceName  string     `json:"source_name"`
	Candidates  int        `json:"candidates"`
	Queued      int        `json:"queued"`
	Skipped     int        `json:"skipped"`
	Skips       []Skip     `json:"skips,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Retryable   bool       `json:"retryable"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const jobColumns = `id, status, source_name, candidates, queued, skipped, skips, attempts,
	error, retryable, created_at, started_at, completed_at`

// Submit records src as a pending job and wakes a worker.
func (s *Service) Submit(ctx context.Context, src extract.Source) (*Job, error) {
	if strings.TrimSpace(src.Content) == "" {
		return nil, &apperr.ValidationError{Field: "content", Reason: "source is empty"}
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encoding source: %w", err)
	}

	job := &Job{
		ID:         uuid.New().String(),
		Status:     StatusPending,
		SourceName: src.Name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (id, status, source_name, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.Status, job.SourceName, string(raw), job.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("creating extraction job: %w", err)
	}

	s.logger.Info("extraction job submitted", slog.String("job_id", job.ID), slog.String("source", src.Name))
	s.notify()
	return job, nil
}

// Job returns a job by ID.
func (s *Service) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting extraction job: %w", err)
	}
	return job, nil
}

// Jobs returns the most recent jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM extraction_jobs
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing extraction jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning extraction job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Retry returns a failed job to pending. The rerun resolves only the
// candidates that are not queued yet.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'pending', error = '', retryable = 0, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return nil, fmt.Errorf("retrying extraction job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		job, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &apperr.ValidationError{Field: "status", Reason: "job is " + job.Status + ", only failed jobs can be retried"}
	}
	s.notify()
	return s.Job(ctx, id)
}

// PurgeJobs deletes finished jobs completed before now minus age.
func (s *Service) PurgeJobs(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM extraction_jobs
		WHERE status IN ('done', 'failed') AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging extraction jobs: %w", err)
	}
	return res.RowsAffected()
}

// Start recovers jobs interrupted by a previous shutdown and launches the
// workers. Workers run until Stop is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	workCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := range s.cfg.Workers {
		s.wg.Add(1)
		go s.worker(workCtx, i)
	}
	s.logger.Info("extraction workers started", slog.Int("workers", s.cfg.Workers))
	s.notify()
	return nil
}

// Stop cancels running jobs and waits for the workers to exit. Cancelled
// jobs are picked up again by the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("extraction workers stopped")
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if _, err := s.RunPending(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("running extraction jobs", slog.Int("worker", n), slog.String("error", err.Error()))
		}
	}
}

// RunPending runs pending jobs until none are left and returns how many ran.
func (s *Service) RunPending(ctx context.Context) (int, error) {
	ran := 0
	for ctx.Err() == nil {
		job, src, err := s.claim(ctx)
		if err != nil {
			return ran, err
		}
		if job == nil {
			return ran, nil
		}
		requeued := s.run(ctx, job, src)
		ran++
		if requeued {
			// Back off until the next poll.
			return ran, nil
		}
	}
	return ran, ctx.Err()
}

// claim marks the oldest unstarted pending job as running.
func (s *Service) claim(ctx context.Context) (*Job, extract.Source, error) {
	var id, raw string
	err := s.db.QueryRowContext(ctx, `
		UPDATE extraction_jobs
		SET started_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM extraction_jobs
			WHERE status = 'pending' AND started_at IS NULL
			ORDER BY created_at, rowid LIMIT 1
		)
		RETURNING id, source
	`, time.Now().UTC().Format(time.RFC3339)).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extract.Source{}, nil
	}
	if err != nil {
		return nil, extract.Source{}, fmt.Errorf("claiming extraction job: %w", err)
	}

	var src extract.Source
	if err := json.Unmarshal([]byte(raw), &src); err != nil {
		s.finish(ctx, id, nil, fmt.Errorf("decoding job source: %w", err), 0)
		return s.claim(ctx)
	}
	job, err := s.Job(ctx, id)
	if err != nil {
		return nil, extract.Source{}, err
	}
	return job, src, nil
}

func (s *Service) run(ctx context.Context, job *Job, src extract.Source) bool {
	jobCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	s.logger.Info("running extraction job", slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts))
	rep, err := s.runJob(jobCtx, job.ID, src)
	if err != nil && ctx.Err() != nil {
		// Shutdown: leave the claim for recovery on the next start.
		return false
	}
	return s.finish(context.WithoutCancel(ctx), job.ID, rep, err, job.Attempts)
}

// runJob extracts src once, then queues every candidate of the batch that is
// not queued under the job yet.
func (s *Service) runJob(ctx context.Context, id string, src extract.Source) (*Report, error) {
	candidates, ok, err := s.extracted(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		candidates, err = s.extract(ctx, src)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(candidates)
		if err != nil {
			return nil, fmt.Errorf("encoding candidates: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE extraction_jobs SET extracted = ?, candidates = ? WHERE id = ?
		`, string(raw), len(candidates), id)
		if err != nil {
			return nil, &apperr.UpstreamWriteError{Op: "save candidates", Cause: err}
		}
	}

	done, err := s.queuedIndexes(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.queueCandidates(ctx, src.Name, id, candidates, done)
}

// extracted returns the candidates stored by an earlier run of the job.
func (s *Service) extracted(ctx context.Context, id string) ([]extract.Candidate, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT extracted FROM extraction_jobs WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		return nil, false, fmt.Errorf("loading extracted candidates: %w", err)
	}
	if !raw.Valid {
		return nil, false, nil
	}
	var candidates []extract.Candidate
	if err := json.Unmarshal([]byte(raw.String), &candidates); err != nil {
		return nil, false, fmt.Errorf("decoding extracted candidates: %w", err)
	}
	return candidates, true, nil
}

// queuedIndexes returns the batch positions already queued under the job.
func (s *Service) queuedIndexes(ctx context.Context, id string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_index FROM queue_items WHERE job_id = ? AND job_index IS NOT NULL
	`, id)
	if err != nil {
		return nil, &apperr.UpstreamLookupError{Op: "queued candidates", Cause: err}
	}
	defer rows.Close() //nolint:errcheck

	done := make(map[int]bool)
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, fmt.Errorf("scanning job index: %w", err)
		}
		done[i] = true
	}
	return done, rows.Err()
}

// finish records the outcome of a run and reports whether the job was
// returned to pending for another attempt. Candidates skipped for a
// retryable reason make the run a retryable failure.
func (s *Service) finish(ctx context.Context, id string, rep *Report, runErr error, attempts int) bool {
	now := time.Now().UTC().Format(time.RFC3339)

	var errMsg string
	var retryable bool
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
		retryable = apperr.Retryable(runErr)
	case rep.RetryableSkips() > 0:
		errMsg = fmt.Sprintf("%d candidate(s) failed with retryable errors", rep.RetryableSkips())
		retryable = true
	}

	if rep != nil {
		skips, err := json.Marshal(rep.Skipped)
		if err != nil {
			s.logger.Error("encoding skipped candidates", slog.String("job_id", id), slog.String("error", err.Error()))
			skips = []byte("[]")
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE extraction_jobs SET candidates = ?, queued = ?, skipped = ?, skips = ? WHERE id = ?
		`, rep.Candidates, rep.Queued, len(rep.Skipped), string(skips), id)
		if err != nil {
			s.logger.Error("recording job counts", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}

	if errMsg == "" {
		_, err := s.db.ExecContext(ctx, `
			UPDATE extraction_jobs SET status = 'done', error = '', retryable = 0, completed_at = ? WHERE id = ?
		`, now, id)
		if err != nil {
			s.logger.Error("recording job completion", slog.String("job_id", id), slog.String("error", err.Error()))
			return false
		}
		s.metrics.RecordJob(StatusDone)
		s.events.Publish(event.Event{Type: event.ExtractionCompleted, Data: map[string]any{
			"job_id":     id,
			"candidates": rep.Candidates,
			"queued":     rep.Queued,
			"skipped":    len(rep.Skipped),
		}})
		return false
	}

	if retryable && attempts < s.cfg.MaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE extraction_jobs SET started_at = NULL, error = ?, retryable = 1 WHERE id = ?
		`, errMsg, id)
		if err != nil {
			s.logger.Error("requeueing job", slog.String("job_id", id), slog.String("error", err.Error()))
			return false
		}
		s.metrics.RecordJob("retry")
		s.logger.Warn("extraction job will be retried",
			slog.String("job_id", id), slog.Int("attempt", attempts), slog.String("error", errMsg))
		return true
	}

	retryFlag := 0
	if retryable {
		retryFlag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs SET status = 'failed', error = ?, retryable = ?, completed_at = ? WHERE id = ?
	`, errMsg, retryFlag, now, id)
	if err != nil {
		s.logger.Error("recording job failure", slog.String("job_id", id), slog.String("error", err.Error()))
		return false
	}
	s.metrics.RecordJob(StatusFailed)
	s.events.Publish(event.Event{Type: event.ExtractionFailed, Data: map[string]any{
		"job_id":    id,
		"error":     errMsg,
		"retryable": retryable,
	}})
	s.logger.Warn("extraction job failed", slog.String("job_id", id), slog.String("error", errMsg))
	return false
}

// recover returns jobs left running by a previous process to pending. A
// rerun skips candidates that already reached the queue.
func (s *Service) recover(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs SET started_at = NULL
		WHERE status = 'pending' AND started_at IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("requeued interrupted extraction jobs", slog.Int64("count", n))
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var retryable int
	var skips, createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&j.ID, &j.Status, &j.SourceName, &j.Candidates, &j.Queued, &j.Skipped, &skips,
		&j.Attempts, &j.Error, &retryable, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skips), &j.Skips); err != nil {
		return nil, fmt.Errorf("decoding skips of job %s: %w", j.ID, err)
	}
	j.Retryable = retryable == 1
	j.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		j.StartedAt = &t
		j.Running = j.Status == StatusPending
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

// parseTime parses a time string, handling both RFC3339 and SQLite datetime formats.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

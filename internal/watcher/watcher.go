// Package watcher turns files dropped into an inbox directory into
// extraction jobs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/filesystem"
	"github.com/sydlexius/roadie/internal/ingest"
)

// Subdirectories of the inbox that receive handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// maxFileSize bounds what is read from the inbox into one job.
const maxFileSize = 4 << 20

// Submitter queues an extraction job.
type Submitter interface {
	Submit(ctx context.Context, src extract.Source) (*ingest.Job, error)
}

// Service watches an inbox directory. Each regular file that appears is
// submitted as an extraction job and then moved to processed/, or to
// failed/ when the content is unusable. Files whose submission fails for a
// transient reason stay in the inbox and are retried on the next scan.
type Service struct {
	dir          string
	submit       Submitter
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration
}

// NewService creates an inbox watcher for dir.
func NewService(dir string, submit Submitter, debounce time.Duration, logger *slog.Logger) *Service {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Service{
		dir:          dir,
		submit:       submit,
		logger:       logger.With(slog.String("component", "inbox-watcher")),
		debounce:     debounce,
		pollInterval: time.Minute,
	}
}

// SetPollInterval overrides the fallback scan interval (for testing).
func (s *Service) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Start prepares the inbox, submits files already present and then blocks
// until ctx is canceled. Writes are coalesced with a debounce timer so that
// a file is read only after its writer goes quiet. When fsnotify does not
// work for the directory the watcher falls back to polling.
func (s *Service) Start(ctx context.Context) error {
	for _, d := range []string{s.dir, filepath.Join(s.dir, ProcessedDir), filepath.Join(s.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("creating inbox directory: %w", err)
		}
	}

	var eventCh <-chan fsnotify.Event
	var errCh <-chan error
	if ProbeFSNotify(s.dir, 2*time.Second) {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(s.dir)
		}
		if err != nil {
			s.logger.Warn("fsnotify unavailable, running poll-only", "error", err)
		} else {
			defer w.Close() //nolint:errcheck
			eventCh = w.Events
			errCh = w.Errors
		}
	} else {
		s.logger.Warn("fsnotify does not report changes in inbox, running poll-only", "path", s.dir)
	}

	s.logger.Info("inbox watcher starting", "path", s.dir)
	s.scan(ctx)

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	scanPending := false

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("inbox watcher stopping")
			return nil

		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(s.dir) || hidden(filepath.Base(ev.Name)) {
				continue
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(s.debounce)
			scanPending = true

		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			s.logger.Error("fsnotify error", "error", err)

		case <-debounceTimer.C:
			if scanPending {
				scanPending = false
				s.scan(ctx)
			}

		case <-pollTicker.C:
			if !scanPending {
				s.scan(ctx)
			}
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	if _, err := s.ProcessDir(ctx); err != nil {
		s.logger.Error("scanning inbox", "error", err)
	}
}

// ProcessDir submits every file currently in the inbox, oldest name first,
// and returns how many were submitted.
func (s *Service) ProcessDir(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !hidden(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	submitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		ok, err := s.processFile(ctx, name)
		if err != nil {
			s.logger.Warn("inbox file left for retry", "file", name, "error", err)
			continue
		}
		if ok {
			submitted++
		}
	}
	return submitted, nil
}

// processFile submits one file. It reports whether a job was created; an
// error means the file stays in the inbox.
func (s *Service) processFile(ctx context.Context, name string) (bool, error) {
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() > maxFileSize {
		s.reject(name, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxFileSize))
		return false, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is inside the configured inbox
	if err != nil {
		return false, err
	}

	job, err := s.submit.Submit(ctx, extract.Source{
		Name:        name,
		ContentType: contentType(name),
		Content:     string(data),
	})
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		s.reject(name, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := filesystem.Move(path, filepath.Join(s.dir, ProcessedDir, name)); err != nil {
		s.logger.Error("moving submitted file", "file", name, "job_id", job.ID, "error", err)
	}
	s.logger.Info("inbox file submitted", "file", name, "job_id", job.ID)
	return true, nil
}

// reject moves a file to failed/ and records the reason next to it.
func (s *Service) reject(name string, reason error) {
	dst, err := filesystem.Move(filepath.Join(s.dir, name), filepath.Join(s.dir, FailedDir, name))
	if err != nil {
		s.logger.Error("moving rejected file", "file", name, "error", err)
		return
	}
	if err := filesystem.WriteFileAtomic(dst+".error", []byte(reason.Error()+"\n"), 0o600); err != nil {
		s.logger.Warn("writing rejection reason", "file", name, "error", err)
	}
	s.logger.Warn("inbox file rejected", "file", name, "reason", reason.Error())
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return "text/html"
	default:
		return "text/plain"
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp")
}

package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/ingest"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	sources []extract.Source
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, src extract.Source) (*ingest.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sources = append(f.sources, src)
	return &ingest.Job{ID: "job-" + src.Name, Status: ingest.StatusPending}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newInbox(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestProcessDir_SubmitsAndMoves(t *testing.T) {
	dir := newInbox(t)
	writeFile(t, dir, "b-listing.html", "<p>The Band at The Snug</p>")
	writeFile(t, dir, "a-listing.txt", "The Band at The Snug, Friday")
	writeFile(t, dir, ".partial", "ignored")

	sub := &fakeSubmitter{}
	svc := NewService(dir, sub, time.Second, testLogger())

	n, err := svc.ProcessDir(context.Background())
	if err != nil {
		t.Fatalf("ProcessDir: %v", err)
	}
	if n != 2 {
		t.Fatalf("submitted = %d, want 2", n)
	}
	if sub.sources[0].Name != "a-listing.txt" || sub.sources[0].ContentType != "text/plain" {
		t.Errorf("first source = %+v", sub.sources[0])
	}
	if sub.sources[1].ContentType != "text/html" {
		t.Errorf("html content type = %q", sub.sources[1].ContentType)
	}
	for _, name := range []string{"a-listing.txt", "b-listing.html"} {
		if exists(filepath.Join(dir, name)) {
			t.Errorf("%s still in inbox", name)
		}
		if !exists(filepath.Join(dir, ProcessedDir, name)) {
			t.Errorf("%s not in processed/", name)
		}
	}
	if !exists(filepath.Join(dir, ".partial")) {
		t.Error("hidden file should be left alone")
	}
}

func TestProcessDir_ValidationErrorRejects(t *testing.T) {
	dir := newInbox(t)
	writeFile(t, dir, "empty.txt", "   ")

	sub := &fakeSubmitter{err: &apperr.ValidationError{Field: "content", Reason: "source is empty"}}
	svc := NewService(dir, sub, time.Second, testLogger())

	n, err := svc.ProcessDir(context.Background())
	if err != nil {
		t.Fatalf("ProcessDir: %v", err)
	}
	if n != 0 {
		t.Errorf("submitted = %d, want 0", n)
	}
	if !exists(filepath.Join(dir, FailedDir, "empty.txt")) {
		t.Error("rejected file not moved to failed/")
	}
	if !exists(filepath.Join(dir, FailedDir, "empty.txt.error")) {
		t.Error("rejection reason not written")
	}
}

func TestProcessDir_TransientErrorLeavesFile(t *testing.T) {
	dir := newInbox(t)
	writeFile(t, dir, "listing.txt", "The Band at The Snug")

	sub := &fakeSubmitter{err: errors.New("database is locked")}
	svc := NewService(dir, sub, time.Second, testLogger())

	if _, err := svc.ProcessDir(context.Background()); err != nil {
		t.Fatalf("ProcessDir: %v", err)
	}
	if !exists(filepath.Join(dir, "listing.txt")) {
		t.Fatal("file should stay in the inbox for the next scan")
	}

	sub.err = nil
	n, err := svc.ProcessDir(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("second scan = %d, %v", n, err)
	}
}

func TestProcessDir_NameCollision(t *testing.T) {
	dir := newInbox(t)
	writeFile(t, filepath.Join(dir, ProcessedDir), "listing.txt", "earlier")
	writeFile(t, dir, "listing.txt", "later")

	svc := NewService(dir, &fakeSubmitter{}, time.Second, testLogger())
	if _, err := svc.ProcessDir(context.Background()); err != nil {
		t.Fatalf("ProcessDir: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, ProcessedDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("processed/ has %d entries, want 2", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dir, ProcessedDir, "listing.txt"))
	if string(data) != "earlier" {
		t.Error("existing processed file was overwritten")
	}
}

func TestStart_PicksUpNewFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	sub := &fakeSubmitter{}
	svc := NewService(dir, sub, 20*time.Millisecond, testLogger())
	svc.SetPollInterval(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !exists(filepath.Join(dir, FailedDir)) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("inbox directories not created")
		}
		time.Sleep(10 * time.Millisecond)
	}

	writeFile(t, dir, "listing.txt", "The Band at The Snug")

	for sub.count() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("file was not submitted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.html": "text/html",
		"a.HTM":  "text/html",
		"a.txt":  "text/plain",
		"a":      "text/plain",
	}
	for name, want := range tests {
		if got := contentType(name); got != want {
			t.Errorf("contentType(%q) = %q, want %q", name, got, want)
		}
	}
}

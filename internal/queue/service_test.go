package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/database"
	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeApplier records applied items and fails for ids in failFor.
type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	failFor map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, it *Item) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[it.ID]; ok {
		return Result{}, err
	}
	f.applied = append(f.applied, it.ID)
	return Result{VenueID: "venue-1", ArtistID: "artist-1", EventID: "event-" + it.ID}, nil
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func newTestService(t *testing.T) (*Service, *fakeApplier) {
	t.Helper()
	app := &fakeApplier{failFor: map[string]error{}}
	return NewService(setupTestDB(t), app, testLogger()), app
}

func testItem(venue, artist string) Item {
	c := extract.Candidate{ArtistName: artist, VenueName: venue, Date: "2026-11-01"}
	return NewItem(c,
		resolve.Create(registry.Venue, 0.5, []string{"new"}),
		resolve.Create(registry.Artist, 0.5, []string{"new"}))
}

func enqueue(t *testing.T, svc *Service, items ...Item) []Item {
	t.Helper()
	if err := svc.Enqueue(context.Background(), items); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return items
}

func pendingIDs(t *testing.T, svc *Service) []string {
	t.Helper()
	items, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	return ids
}

func TestEnqueueAndList(t *testing.T) {
	svc, _ := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug, Stoke", "The Band"), testItem("Rock City", "Other Band"))

	listed, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(listed))
	}
	got := listed[0]
	if got.ID != items[0].ID {
		t.Errorf("expected arrival order, got %s first", got.ID)
	}
	if got.VenueGroupKey != "venue:the snug stoke" || got.ArtistGroupKey != "artist:the band" {
		t.Errorf("group keys = %q, %q", got.VenueGroupKey, got.ArtistGroupKey)
	}
	if got.VenueName != "The Snug, Stoke" || got.Date != "2026-11-01" {
		t.Errorf("candidate not preserved: %+v", got.Candidate)
	}
	if got.VenueResolution.Action() != resolve.ActionCreateNew {
		t.Errorf("venue action = %s", got.VenueResolution.Action())
	}
}

func TestApprove(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"))
	ctx := WithReviewer(context.Background(), "alice")

	it, err := svc.Approve(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if it.State != StateApproved || it.Result.EventID != "event-"+items[0].ID {
		t.Errorf("approved item = %+v", it)
	}
	if app.count() != 1 {
		t.Errorf("applier called %d times, want 1", app.count())
	}

	stored, err := svc.Get(context.Background(), items[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.DecidedBy != "alice" || stored.DecidedAt == nil || stored.Result.VenueID != "venue-1" {
		t.Errorf("stored item = %+v", stored)
	}
	if ids := pendingIDs(t, svc); len(ids) != 0 {
		t.Errorf("approved item should leave the queue, pending = %v", ids)
	}
}

func TestApprove_ApplyFailureLeavesPending(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"))
	id := items[0].ID
	app.failFor[id] = &apperr.UpstreamWriteError{Op: "create venue", Cause: errors.New("database is locked")}

	_, err := svc.Approve(context.Background(), id)
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	stored, _ := svc.Get(context.Background(), id)
	if stored.State != StatePending {
		t.Fatalf("state = %s, want PENDING", stored.State)
	}
	if stored.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	delete(app.failFor, id)
	if _, err := svc.Approve(context.Background(), id); err != nil {
		t.Fatalf("retry Approve: %v", err)
	}
	stored, _ = svc.Get(context.Background(), id)
	if stored.State != StateApproved || stored.LastError != "" {
		t.Errorf("after retry = %+v", stored)
	}
}

func TestApprove_RecordFailureLeavesPending(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"))
	id := items[0].ID
	ctx := context.Background()

	_, err := svc.db.ExecContext(ctx, `
		CREATE TRIGGER fail_result BEFORE UPDATE OF event_id ON queue_items
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END
	`)
	if err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	it, err := svc.Approve(ctx, id)
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if it == nil || it.State != StatePending {
		t.Errorf("returned item = %+v", it)
	}
	stored, _ := svc.Get(ctx, id)
	if stored.State != StatePending || stored.DecidedAt != nil || stored.LastError == "" {
		t.Fatalf("stored item = %+v", stored)
	}

	if _, err := svc.db.ExecContext(ctx, `DROP TRIGGER fail_result`); err != nil {
		t.Fatalf("dropping trigger: %v", err)
	}
	if _, err := svc.Approve(ctx, id); err != nil {
		t.Fatalf("retry Approve: %v", err)
	}
	stored, _ = svc.Get(ctx, id)
	if stored.State != StateApproved || stored.DecidedAt == nil || stored.Result.EventID != "event-"+id {
		t.Errorf("after retry = %+v", stored)
	}
	if app.count() != 2 {
		t.Errorf("applier called %d times, want 2", app.count())
	}
}

func TestApproveAfterReject(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"), testItem("Rock City", "Other Band"))
	ctx := context.Background()

	if _, err := svc.Reject(ctx, items[0].ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	before := pendingIDs(t, svc)

	_, err := svc.Approve(ctx, items[0].ID)
	var ape *apperr.AlreadyProcessedError
	if !errors.As(err, &ape) {
		t.Fatalf("expected AlreadyProcessedError, got %v", err)
	}
	if !apperr.IsNoop(err) {
		t.Error("already processed should be a no-op")
	}

	after := pendingIDs(t, svc)
	if len(before) != len(after) || before[0] != after[0] {
		t.Errorf("queue changed: before %v, after %v", before, after)
	}
	if app.count() != 0 {
		t.Error("applier must not run for a rejected item")
	}
	if _, err := svc.Reject(ctx, items[0].ID); !errors.As(err, &ape) {
		t.Errorf("second reject: expected AlreadyProcessedError, got %v", err)
	}
}

func TestApprove_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Approve(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectSingle_SiblingsStayPending(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc,
		testItem("The Snug, Stoke", "The Band"),
		testItem("the snug stoke", "Other Band"),
		testItem("THE SNUG STOKE ", "Third Band"))

	if _, err := svc.Reject(context.Background(), items[1].ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	ids := pendingIDs(t, svc)
	if len(ids) != 2 || ids[0] != items[0].ID || ids[1] != items[2].ID {
		t.Errorf("pending = %v", ids)
	}
	if app.count() != 0 {
		t.Error("reject must not apply")
	}

	groups, err := svc.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if got := groups["venue:the snug stoke"]; len(got) != 2 {
		t.Errorf("venue group = %v, want 2 members", got)
	}
}

func TestApproveGroup_PartialFailure(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc,
		testItem("The Snug", "A"),
		testItem("the snug", "B"),
		testItem("The  Snug", "C"),
		testItem("Rock City", "D"))
	app.failFor[items[1].ID] = &apperr.UpstreamWriteError{Op: "create event", Cause: context.DeadlineExceeded}

	out, err := svc.ApproveGroup(context.Background(), "venue:the snug")
	if err != nil {
		t.Fatalf("ApproveGroup: %v", err)
	}
	if out.Succeeded != 2 || out.Failed != 1 || len(out.Results) != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	for _, r := range out.Results {
		if r.ItemID == items[1].ID {
			if !r.Retryable || r.Kind != apperr.KindUpstreamWrite || r.State != StatePending {
				t.Errorf("failed member result = %+v", r)
			}
		} else if r.Err != nil || r.State != StateApproved {
			t.Errorf("member %s result = %+v", r.ItemID, r)
		}
	}

	ids := pendingIDs(t, svc)
	if len(ids) != 2 || ids[0] != items[1].ID || ids[1] != items[3].ID {
		t.Errorf("pending = %v, want failed member and unrelated item", ids)
	}
}

func TestRejectGroup(t *testing.T) {
	svc, _ := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "A"), testItem("Rock City", "A"), testItem("Rock City", "B"))

	out, err := svc.RejectGroup(context.Background(), "artist:a")
	if err != nil {
		t.Fatalf("RejectGroup: %v", err)
	}
	if out.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", out.Succeeded)
	}
	ids := pendingIDs(t, svc)
	if len(ids) != 1 || ids[0] != items[2].ID {
		t.Errorf("pending = %v", ids)
	}
}

func TestDecideGroup_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	enqueue(t, svc, testItem("The Snug", "A"))

	_, err := svc.ApproveGroup(context.Background(), "venue:nowhere")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("unknown group: expected not found, got %v", err)
	}
	_, err = svc.RejectGroup(context.Background(), "the snug")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("malformed key: expected validation error, got %v", err)
	}
}

func TestApprove_NeedsReviewThenChoose(t *testing.T) {
	svc, app := newTestService(t)
	c := extract.Candidate{ArtistName: "The Band", VenueName: "The Snugg", Date: "2026-11-01"}
	it := NewItem(c,
		resolve.Review(registry.Venue, 0.89, []string{"close"}, []resolve.Candidate{{EntityID: "v1", Name: "The Snug", Score: 0.89}}),
		resolve.Create(registry.Artist, 0.5, nil))
	enqueue(t, svc, it)
	ctx := WithReviewer(context.Background(), "bob")

	_, err := svc.Approve(ctx, it.ID)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unsettled review, got %v", err)
	}
	if app.count() != 0 {
		t.Fatal("applier must not run while a side needs review")
	}

	chosen, err := svc.Choose(ctx, it.ID, registry.Venue, "v1")
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if id, ok := chosen.VenueResolution.MatchedID(); !ok || id != "v1" {
		t.Fatalf("venue resolution = %+v", chosen.VenueResolution)
	}

	stored, _ := svc.Get(ctx, it.ID)
	if stored.VenueResolution.Action() != resolve.ActionMatchExisting {
		t.Fatalf("choice not persisted: %s", stored.VenueResolution.Action())
	}
	if _, err := svc.Approve(ctx, it.ID); err != nil {
		t.Fatalf("Approve after Choose: %v", err)
	}
	if _, err := svc.Choose(ctx, it.ID, registry.Venue, ""); apperr.KindOf(err) != apperr.KindAlreadyProcessed {
		t.Errorf("Choose on approved item: expected already processed, got %v", err)
	}
}

func TestApprove_ConcurrentSameItem(t *testing.T) {
	svc, app := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Approve(context.Background(), items[0].ID)
		}()
	}
	wg.Wait()

	var ok, noop int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindAlreadyProcessed:
			noop++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || noop != n-1 {
		t.Errorf("ok = %d, noop = %d", ok, noop)
	}
	if app.count() != 1 {
		t.Errorf("applier ran %d times, want 1", app.count())
	}
}

func TestCounts(t *testing.T) {
	svc, _ := newTestService(t)
	items := enqueue(t, svc, testItem("A", "B"), testItem("C", "D"), testItem("E", "F"))
	ctx := context.Background()
	_, _ = svc.Approve(ctx, items[0].ID)
	_, _ = svc.Reject(ctx, items[1].ID)

	counts, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatePending] != 1 || counts[StateApproved] != 1 || counts[StateRejected] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestResetStuck(t *testing.T) {
	svc, _ := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"))
	ctx := context.Background()

	// Simulate a crash after the claim and before the result was recorded.
	_, err := svc.db.ExecContext(ctx,
		`UPDATE queue_items SET state = 'APPROVED', updated_at = '2020-01-01T00:00:00Z' WHERE id = ?`, items[0].ID)
	if err != nil {
		t.Fatalf("simulating stuck item: %v", err)
	}

	n, err := svc.ResetStuck(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ResetStuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d items, want 1", n)
	}
	if ids := pendingIDs(t, svc); len(ids) != 1 {
		t.Errorf("expected the item back in the queue, pending = %v", ids)
	}
}

func TestPurgeDecided(t *testing.T) {
	svc, _ := newTestService(t)
	items := enqueue(t, svc, testItem("The Snug", "The Band"), testItem("Rock City", "Other"))
	ctx := context.Background()

	_, _ = svc.Reject(ctx, items[0].ID)
	_, _ = svc.Reject(ctx, items[1].ID)
	_, err := svc.db.ExecContext(ctx, `UPDATE queue_items SET decided_at = '2020-01-01T00:00:00Z' WHERE id = ?`, items[0].ID)
	if err != nil {
		t.Fatalf("backdating decision: %v", err)
	}

	n, err := svc.PurgeDecided(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeDecided: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d items, want 1", n)
	}
	if _, err := svc.Get(ctx, items[0].ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected purged item to be gone, got %v", err)
	}
	if _, err := svc.Get(ctx, items[1].ID); err != nil {
		t.Errorf("recent tombstone should remain: %v", err)
	}
}

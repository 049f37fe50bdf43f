package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/metrics"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

// Applier performs the canonical side effects of an approval. It must be
// idempotent for a given item: a retried approval reuses what an earlier
// partial attempt created.
type Applier interface {
	Apply(ctx context.Context, it *Item) (Result, error)
}

// EntityLookup checks reviewer-selected entities.
type EntityLookup interface {
	Get(ctx context.Context, id string) (*registry.Entity, error)
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEntityLookup enables entity checks in Choose.
func WithEntityLookup(l EntityLookup) Option {
	return func(s *Service) { s.entities = l }
}

// Service owns the queue item lifecycle. Mutations of items that share a
// group key are serialized; unrelated groups proceed concurrently.
type Service struct {
	db       *sql.DB
	applier  Applier
	entities EntityLookup
	events   event.Publisher
	metrics  *metrics.Metrics
	locks    *keyLocks
	logger   *slog.Logger
}

// NewService creates a queue service.
func NewService(db *sql.DB, applier Applier, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		db:      db,
		applier: applier,
		events:  event.Discard,
		locks:   newKeyLocks(),
		logger:  logger.With(slog.String("component", "queue")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue stores items atomically: either every item is queued or none is.
func (s *Service) Enqueue(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range items {
		if items[i].State == "" {
			items[i].State = StatePending
		}
		if err := insertItem(ctx, tx, &items[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing queue items: %w", err)
	}

	for i := range items {
		s.events.Publish(event.Event{Type: event.ItemQueued, Data: map[string]any{
			"queue_id":         items[i].ID,
			"venue_group_key":  items[i].VenueGroupKey,
			"artist_group_key": items[i].ArtistGroupKey,
		}})
	}
	s.refreshPending(ctx)
	return nil
}

// List returns pending items in arrival order.
func (s *Service) List(ctx context.Context) ([]Item, error) {
	return s.queryItems(ctx, `state = 'PENDING'`)
}

// ListByState returns items in the given state in arrival order.
func (s *Service) ListByState(ctx context.Context, state State) ([]Item, error) {
	return s.queryItems(ctx, `state = ?`, string(state))
}

// Get returns an item in any state.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	it, err := s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, &apperr.NotFoundError{Resource: "queue item", ID: id}
	}
	return it, nil
}

// Groups computes the review groups of the pending items.
func (s *Service) Groups(ctx context.Context) (Groups, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return Group(items), nil
}

// Counts returns the number of items per state.
func (s *Service) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting queue items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := map[State]int{StatePending: 0, StateApproved: 0, StateRejected: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// Approve moves a pending item to APPROVED and applies it. If the apply
// fails the item returns to PENDING with the error recorded, and the error
// is returned.
func (s *Service) Approve(ctx context.Context, id string) (*Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		s.metrics.RecordDecision("approve", outcomeOf(err))
		return nil, err
	}
	unlock := s.locks.lock(it.GroupKeys()...)
	defer unlock()

	it, err = s.approveLocked(ctx, id)
	s.metrics.RecordDecision("approve", outcomeOf(err))
	return it, err
}

// Reject moves a pending item to REJECTED. No canonical records change.
func (s *Service) Reject(ctx context.Context, id string) (*Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		s.metrics.RecordDecision("reject", outcomeOf(err))
		return nil, err
	}
	unlock := s.locks.lock(it.GroupKeys()...)
	defer unlock()

	it, err = s.rejectLocked(ctx, id)
	s.metrics.RecordDecision("reject", outcomeOf(err))
	return it, err
}

// ApproveGroup approves every pending member of a group, one at a time.
// A member's failure is reported in its result and does not stop the rest.
func (s *Service) ApproveGroup(ctx context.Context, key string) (*GroupOutcome, error) {
	return s.decideGroup(ctx, key, "approve", s.approveLocked)
}

// RejectGroup rejects every pending member of a group.
func (s *Service) RejectGroup(ctx context.Context, key string) (*GroupOutcome, error) {
	return s.decideGroup(ctx, key, "reject", s.rejectLocked)
}

func (s *Service) decideGroup(ctx context.Context, key, decision string, decide func(context.Context, string) (*Item, error)) (*GroupOutcome, error) {
	if _, _, ok := ParseGroupKey(key); !ok {
		return nil, &apperr.ValidationError{Field: "group_key", Reason: fmt.Sprintf("malformed group key %q", key)}
	}
	ids, err := s.pendingInGroup(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &apperr.NotFoundError{Resource: "group", ID: key}
	}

	out := &GroupOutcome{Key: key, Results: make([]DecisionResult, 0, len(ids))}
	for _, id := range ids {
		r := s.decideMember(ctx, id, decide)
		s.metrics.RecordDecision(decision, outcomeOf(r.Err))
		if r.Err != nil {
			out.Failed++
		} else {
			out.Succeeded++
		}
		out.Results = append(out.Results, r)
	}

	s.logger.Info("group decision finished",
		slog.String("decision", decision),
		slog.String("group", key),
		slog.Int("succeeded", out.Succeeded),
		slog.Int("failed", out.Failed))
	return out, nil
}

// decideMember locks one member's keys, which include the group key, and
// applies the decision.
func (s *Service) decideMember(ctx context.Context, id string, decide func(context.Context, string) (*Item, error)) DecisionResult {
	r := DecisionResult{ItemID: id}
	it, err := s.Get(ctx, id)
	if err == nil {
		unlock := s.locks.lock(it.GroupKeys()...)
		it, err = decide(ctx, id)
		unlock()
	}
	if it != nil {
		r.State = it.State
		r.Result = it.Result
	}
	if err != nil {
		r.Err = err
		r.Error = err.Error()
		r.Kind = apperr.KindOf(err)
		r.Retryable = apperr.Retryable(err)
	}
	return r
}

// approveLocked runs with the item's group keys held.
func (s *Service) approveLocked(ctx context.Context, id string) (*Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.State.Terminal() {
		return it, &apperr.AlreadyProcessedError{ItemID: id, State: string(it.State)}
	}
	for _, t := range []registry.EntityType{registry.Venue, registry.Artist} {
		if it.Resolution(t).Action() == resolve.ActionNeedsReview {
			return it, &apperr.ValidationError{
				Field:  string(t) + "Resolution",
				Reason: "needs review; choose an entity or create new before approving",
			}
		}
	}

	reviewer := ReviewerFrom(ctx)
	claimed, err := s.transition(ctx, id, StateApproved, reviewer, false)
	if err != nil {
		return it, &apperr.UpstreamWriteError{Op: "claim", Cause: err}
	}
	if !claimed {
		return s.staleDecision(ctx, id)
	}
	it.State = StateApproved
	it.DecidedBy = reviewer

	start := time.Now()
	result, applyErr := s.applier.Apply(ctx, it)
	s.metrics.RecordApply(time.Since(start))

	// Bookkeeping must survive a canceled request so the item never stays
	// claimed without a result.
	bg := context.WithoutCancel(ctx)

	if applyErr != nil {
		if err := s.revert(bg, id, applyErr.Error()); err != nil {
			s.logger.Error("reverting failed approval", slog.String("queue_id", id), slog.String("error", err.Error()))
		}
		it.State = StatePending
		it.DecidedBy = ""
		it.LastError = applyErr.Error()
		s.events.Publish(event.Event{Type: event.ApplyFailed, Data: map[string]any{
			"queue_id":  id,
			"error":     applyErr.Error(),
			"kind":      apperr.KindOf(applyErr),
			"retryable": apperr.Retryable(applyErr),
		}})
		s.logger.Warn("apply failed, item left pending",
			slog.String("queue_id", id),
			slog.String("kind", apperr.KindOf(applyErr)),
			slog.String("error", applyErr.Error()))
		return it, fmt.Errorf("applying queue item %s: %w", id, applyErr)
	}

	if err := s.complete(bg, id, result); err != nil {
		// Event creation is idempotent on the item id, so the item goes back
		// to PENDING and a later approval re-applies to the same records.
		s.logger.Error("recording approval result", slog.String("queue_id", id), slog.String("error", err.Error()))
		if rerr := s.revert(bg, id, err.Error()); rerr != nil {
			s.logger.Error("reverting unrecorded approval", slog.String("queue_id", id), slog.String("error", rerr.Error()))
		}
		it.State = StatePending
		it.DecidedBy = ""
		it.LastError = err.Error()
		return it, &apperr.UpstreamWriteError{Op: "record approval", Cause: err}
	}
	now := time.Now().UTC()
	it.Result = result
	it.LastError = ""
	it.DecidedAt = &now

	for _, c := range result.Conflicts {
		s.logger.Info("creation race resolved", slog.String("queue_id", id), slog.String("detail", c))
	}
	s.events.Publish(event.Event{Type: event.ItemApproved, Data: map[string]any{
		"queue_id":  id,
		"venue_id":  result.VenueID,
		"artist_id": result.ArtistID,
		"event_id":  result.EventID,
		"reviewer":  reviewer,
	}})
	s.refreshPending(bg)
	return it, nil
}

func (s *Service) rejectLocked(ctx context.Context, id string) (*Item, error) {
	reviewer := ReviewerFrom(ctx)
	ok, err := s.transition(ctx, id, StateRejected, reviewer, true)
	if err != nil {
		return nil, &apperr.UpstreamWriteError{Op: "reject", Cause: err}
	}
	if !ok {
		return s.staleDecision(ctx, id)
	}
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.events.Publish(event.Event{Type: event.ItemRejected, Data: map[string]any{
		"queue_id": id,
		"reviewer": reviewer,
	}})
	s.refreshPending(ctx)
	return it, nil
}

// staleDecision builds the error for a transition that matched no pending row.
func (s *Service) staleDecision(ctx context.Context, id string) (*Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return it, &apperr.AlreadyProcessedError{ItemID: id, State: string(it.State)}
}

// Choose settles one side of a pending item: entityID selects an existing
// entity, an empty entityID forces creation of a new one.
func (s *Service) Choose(ctx context.Context, id string, target registry.EntityType, entityID string) (*Item, error) {
	if !target.Valid() {
		return nil, &apperr.ValidationError{Field: "target", Reason: fmt.Sprintf("unknown entity type %q", target)}
	}
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(it.GroupKeys()...)
	defer unlock()

	if entityID != "" && s.entities != nil {
		e, err := s.entities.Get(ctx, entityID)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &apperr.NotFoundError{Resource: string(target), ID: entityID}
		}
		if err != nil {
			return nil, &apperr.UpstreamLookupError{Op: "get", Cause: err}
		}
		if e.Type != target {
			return nil, &apperr.ValidationError{Field: "entity_id", Reason: fmt.Sprintf("%s is a %s, not a %s", entityID, e.Type, target)}
		}
	}

	it, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.State.Terminal() {
		return it, &apperr.AlreadyProcessedError{ItemID: id, State: string(it.State)}
	}

	settled := it.Resolution(target).Settle(entityID, ReviewerFrom(ctx))
	if target == registry.Artist {
		it.ArtistResolution = settled
	} else {
		it.VenueResolution = settled
	}
	ok, err := s.saveResolutions(ctx, it)
	if err != nil {
		return nil, &apperr.UpstreamWriteError{Op: "choose", Cause: err}
	}
	if !ok {
		return s.staleDecision(ctx, id)
	}
	return it, nil
}

func (s *Service) refreshPending(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE state = 'PENDING'`).Scan(&n); err != nil {
		s.logger.Debug("counting pending items", slog.String("error", err.Error()))
		return
	}
	s.metrics.SetPending(n)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.IsNoop(err):
		return "noop"
	default:
		return "error"
	}
}

// ResetStuck returns items claimed for approval but never completed, such as
// after a crash mid-apply, to PENDING. Only claims older than age are reset.
func (s *Service) ResetStuck(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET state = 'PENDING', decided_by = '', last_error = 'approval interrupted; reset for retry', updated_at = ?
		WHERE state = 'APPROVED' AND decided_at IS NULL AND updated_at < ?
	`, time.Now().UTC().Format(time.RFC3339), cutoff)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reset interrupted approvals", slog.Int64("count", n))
		s.refreshPending(ctx)
	}
	return n, nil
}

// PurgeDecided deletes terminal items decided before now minus age.
// Purged items no longer answer late decisions with AlreadyProcessedError.
func (s *Service) PurgeDecided(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE state IN ('APPROVED', 'REJECTED') AND decided_at IS NOT NULL AND decided_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging decided items: %w", err)
	}
	return res.RowsAffected()
}

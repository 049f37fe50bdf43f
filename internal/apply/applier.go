// Package apply turns approved queue items into canonical registry records.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/metrics"
	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

// Registry is the subset of the canonical registry the applier writes to.
type Registry interface {
	FindByName(ctx context.Context, t registry.EntityType, key string) ([]registry.Entity, error)
	Create(ctx context.Context, t registry.EntityType, name string, fields registry.Fields) (*registry.Entity, error)
	Update(ctx context.Context, id string, patch registry.Fields) (registry.Fields, error)
	CreateEvent(ctx context.Context, ev registry.Event) (*registry.Event, error)
}

// Config holds applier settings.
type Config struct {
	// WriteTimeout bounds each registry call.
	WriteTimeout time.Duration
	// AutoEnrich fills gaps of a matched entity whose match confidence is at
	// least MinEnrichConfidence.
	AutoEnrich          bool
	MinEnrichConfidence float64
}

// Applier creates or reuses the venue and artist of an approved item and
// records its event. It is safe for concurrent use.
type Applier struct {
	registry Registry
	cfg      Config
	creates  singleflight.Group
	events   event.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Applier. events and m may be nil.
func New(reg Registry, cfg Config, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Applier {
	if events == nil {
		events = event.Discard
	}
	return &Applier{
		registry: reg,
		cfg:      cfg,
		events:   events,
		metrics:  m,
		logger:   logger.With(slog.String("component", "applier")),
	}
}

// ensured is the entity an item side resolved to.
type ensured struct {
	id       string
	conflict *apperr.ConflictError
}

// Apply implements queue.Applier.
func (a *Applier) Apply(ctx context.Context, it *queue.Item) (queue.Result, error) {
	if err := it.ValidateDate(); err != nil {
		return queue.Result{}, err
	}

	var result queue.Result
	venue, err := a.ensure(ctx, it, registry.Venue)
	if err != nil {
		return queue.Result{}, err
	}
	result.VenueID = venue.id
	if venue.conflict != nil {
		result.Conflicts = append(result.Conflicts, venue.conflict.Error())
	}

	artist, err := a.ensure(ctx, it, registry.Artist)
	if err != nil {
		return queue.Result{}, err
	}
	result.ArtistID = artist.id
	if artist.conflict != nil {
		result.Conflicts = append(result.Conflicts, artist.conflict.Error())
	}

	wctx, cancel := a.withTimeout(ctx)
	defer cancel()
	ev, err := a.registry.CreateEvent(wctx, registry.Event{
		VenueID:     result.VenueID,
		ArtistID:    result.ArtistID,
		Date:        it.Date,
		Time:        it.Time,
		Notes:       it.Notes,
		SourceURL:   it.SourceURL,
		QueueItemID: it.ID,
	})
	if err != nil {
		return queue.Result{}, &apperr.UpstreamWriteError{Op: "create event", Cause: err}
	}
	result.EventID = ev.ID

	a.logger.Debug("applied queue item",
		slog.String("queue_id", it.ID),
		slog.String("venue_id", result.VenueID),
		slog.String("artist_id", result.ArtistID),
		slog.String("event_id", result.EventID))
	return result, nil
}

func (a *Applier) ensure(ctx context.Context, it *queue.Item, t registry.EntityType) (ensured, error) {
	res := it.Resolution(t)
	switch o := res.Outcome.(type) {
	case resolve.MatchExisting:
		if a.cfg.AutoEnrich && o.Enrichment != nil && res.Confidence >= a.cfg.MinEnrichConfidence {
			a.autoEnrich(ctx, o.EntityID, *o.Enrichment)
		}
		return ensured{id: o.EntityID}, nil
	case resolve.CreateNew:
		return a.createOrReuse(ctx, t, it.Name(t), it.Details(t))
	case resolve.NeedsReview:
		return ensured{}, &apperr.ValidationError{Field: string(t) + "Resolution", Reason: "needs review"}
	default:
		return ensured{}, &apperr.ValidationError{Field: string(t) + "Resolution", Reason: "missing"}
	}
}

// createOrReuse returns the entity for (t, normalized name), creating it when
// absent. Concurrent callers in this process share one attempt; a race with
// another writer is settled by the registry's unique index and the loser
// reuses the winner.
//
// The shared attempt is detached from the caller that started it, so one
// caller giving up does not fail the others. Each registry call is still
// bounded by WriteTimeout.
func (a *Applier) createOrReuse(ctx context.Context, t registry.EntityType, name string, fields registry.Fields) (ensured, error) {
	key := normalize.Key(name)
	if key == "" {
		return ensured{}, &apperr.ValidationError{Field: string(t) + "Name", Reason: "empty after normalization"}
	}

	flight := context.WithoutCancel(ctx)
	ch := a.creates.DoChan(string(t)+":"+key, func() (any, error) {
		return a.findOrCreate(flight, t, name, key, fields)
	})
	select {
	case <-ctx.Done():
		return ensured{}, &apperr.UpstreamWriteError{Op: "create " + string(t), Cause: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return ensured{}, r.Err
		}
		return r.Val.(ensured), nil
	}
}

func (a *Applier) findOrCreate(ctx context.Context, t registry.EntityType, name, key string, fields registry.Fields) (ensured, error) {
	if id, err := a.find(ctx, t, key); err != nil || id != "" {
		return ensured{id: id}, err
	}

	wctx, cancel := a.withTimeout(ctx)
	created, err := a.registry.Create(wctx, t, name, fields)
	cancel()

	switch {
	case err == nil:
		a.metrics.RecordCreated(string(t))
		a.events.Publish(event.Event{Type: event.EntityCreated, Data: map[string]any{
			"entity_id": created.ID,
			"type":      string(t),
			"name":      created.Name,
		}})
		a.logger.Info("created entity", slog.String("type", string(t)), slog.String("id", created.ID), slog.String("name", created.Name))
		return ensured{id: created.ID}, nil

	case errors.Is(err, registry.ErrDuplicate):
		winner, ferr := a.find(ctx, t, key)
		if ferr != nil {
			return ensured{}, ferr
		}
		if winner == "" {
			return ensured{}, &apperr.UpstreamWriteError{Op: "create " + string(t), Cause: fmt.Errorf("duplicate reported for %q but no entity found", key)}
		}
		conflict := &apperr.ConflictError{EntityType: string(t), NameKey: key, WinnerID: winner}
		a.metrics.RecordConflict(string(t))
		a.events.Publish(event.Event{Type: event.CreationConflict, Data: map[string]any{
			"type":      string(t),
			"name_key":  key,
			"winner_id": winner,
		}})
		a.logger.Info("creation race lost, reusing winner", slog.String("type", string(t)), slog.String("name_key", key), slog.String("winner_id", winner))
		return ensured{id: winner, conflict: conflict}, nil

	default:
		return ensured{}, &apperr.UpstreamWriteError{Op: "create " + string(t), Cause: err}
	}
}

// find returns the lowest id entity with the key, or "".
func (a *Applier) find(ctx context.Context, t registry.EntityType, key string) (string, error) {
	wctx, cancel := a.withTimeout(ctx)
	defer cancel()
	found, err := a.registry.FindByName(wctx, t, key)
	if err != nil {
		return "", &apperr.UpstreamLookupError{Op: "find " + string(t), Cause: err}
	}
	if len(found) == 0 {
		return "", nil
	}
	id := found[0].ID
	for _, e := range found[1:] {
		if e.ID < id {
			id = e.ID
		}
	}
	return id, nil
}

// autoEnrich fills gaps of a matched entity. Failures are logged and never
// fail the approval.
func (a *Applier) autoEnrich(ctx context.Context, id string, patch registry.Fields) {
	wctx, cancel := a.withTimeout(ctx)
	defer cancel()
	applied, err := a.registry.Update(wctx, id, patch)
	if err != nil {
		a.logger.Warn("auto-enrichment failed", slog.String("entity_id", id), slog.String("error", err.Error()))
		return
	}
	for _, f := range registry.FieldNames() {
		if applied.Get(f) != "" {
			a.metrics.RecordEnriched(f)
		}
	}
	if !applied.IsZero() {
		a.events.Publish(event.Event{Type: event.EntityEnriched, Data: map[string]any{
			"entity_id": id,
			"fields":    applied,
		}})
	}
}

func (a *Applier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.WriteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.cfg.WriteTimeout)
}

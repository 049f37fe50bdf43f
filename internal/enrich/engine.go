// Package enrich proposes and applies gap-filling metadata patches for
// registry entities that extracted candidates matched.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/metrics"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

// Candidate is a proposed value for one field of a matched entity.
type Candidate struct {
	EntityID        string              `json:"entityId"`
	EntityType      registry.EntityType `json:"entityType"`
	Field           string              `json:"field"`
	ExtractedName   string              `json:"extractedName"`
	CurrentValue    string              `json:"currentValue,omitempty"`
	ProposedValue   string              `json:"proposedValue,omitempty"`
	NeedsEnrichment bool                `json:"needsEnrichment"`
	Confidence      float64             `json:"confidence"`
	QueueItemID     string              `json:"queueItemId,omitempty"`
}

// Evaluate compares one extracted field value with a matched entity.
// NeedsEnrichment is true only when res matched entity, the entity's field
// is empty and proposed is not.
func Evaluate(res resolve.Resolution, entity *registry.Entity, extractedName, field, proposed string) Candidate {
	c := Candidate{
		ExtractedName: extractedName,
		Field:         field,
		ProposedValue: proposed,
		Confidence:    res.Confidence,
	}
	matchedID, matched := res.MatchedID()
	if entity != nil {
		c.EntityID = entity.ID
		c.EntityType = entity.Type
		c.CurrentValue = entity.Fields.Get(field)
	}
	c.NeedsEnrichment = matched && entity != nil && entity.ID == matchedID &&
		c.CurrentValue == "" && proposed != ""
	return c
}

// Registry is the part of the canonical registry enrichment uses.
type Registry interface {
	Get(ctx context.Context, id string) (*registry.Entity, error)
	Update(ctx context.Context, id string, patch registry.Fields) (registry.Fields, error)
}

// PendingItems lists queue items still under review.
type PendingItems interface {
	List(ctx context.Context) ([]queue.Item, error)
}

// Engine finds and applies enrichment candidates.
type Engine struct {
	registry      Registry
	items         PendingItems
	minConfidence float64
	events        event.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewEngine creates an Engine. Only matches with confidence of at least
// minConfidence produce candidates. events and m may be nil.
func NewEngine(reg Registry, items PendingItems, minConfidence float64, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if events == nil {
		events = event.Discard
	}
	return &Engine{
		registry:      reg,
		items:         items,
		minConfidence: minConfidence,
		events:        events,
		metrics:       m,
		logger:        logger.With(slog.String("component", "enrich")),
	}
}

// Candidates derives enrichment candidates from the pending queue. Each
// (entity, field, value) is reported once.
func (e *Engine) Candidates(ctx context.Context) ([]Candidate, error) {
	items, err := e.items.List(ctx)
	if err != nil {
		return nil, err
	}

	entities := make(map[string]*registry.Entity)
	seen := make(map[[3]string]bool)
	var out []Candidate

	for i := range items {
		it := &items[i]
		for _, t := range []registry.EntityType{registry.Venue, registry.Artist} {
			res := it.Resolution(t)
			id, ok := res.MatchedID()
			if !ok || res.Confidence < e.minConfidence {
				continue
			}
			details := it.Details(t)
			if details.IsZero() {
				continue
			}

			entity, cached := entities[id]
			if !cached {
				entity, err = e.registry.Get(ctx, id)
				if errors.Is(err, registry.ErrNotFound) {
					e.logger.Warn("matched entity no longer exists", slog.String("entity_id", id), slog.String("queue_id", it.ID))
					entities[id] = nil
					continue
				}
				if err != nil {
					return nil, &apperr.UpstreamLookupError{Op: "get entity", Cause: err}
				}
				entities[id] = entity
			}
			if entity == nil {
				continue
			}

			for _, f := range registry.FieldNames() {
				proposed := details.Get(f)
				if proposed == "" {
					continue
				}
				key := [3]string{id, f, proposed}
				if seen[key] {
					continue
				}
				seen[key] = true
				c := Evaluate(res, entity, it.Name(t), f, proposed)
				c.QueueItemID = it.ID
				out = append(out, c)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// Enrich fills the empty fields of an entity from patch and returns the
// fields written. Non-empty fields are never overwritten.
func (e *Engine) Enrich(ctx context.Context, entityID string, patch registry.Fields) (registry.Fields, error) {
	if patch.IsZero() {
		return registry.Fields{}, &apperr.ValidationError{Field: "patch", Reason: "no fields"}
	}
	applied, err := e.registry.Update(ctx, entityID, patch)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Fields{}, &apperr.NotFoundError{Resource: "entity", ID: entityID}
	}
	if err != nil {
		return registry.Fields{}, &apperr.UpstreamWriteError{Op: "update entity", Cause: err}
	}

	if !applied.IsZero() {
		for _, f := range registry.FieldNames() {
			if applied.Get(f) != "" {
				e.metrics.RecordEnriched(f)
			}
		}
		e.events.Publish(event.Event{Type: event.EntityEnriched, Data: map[string]any{
			"entity_id": entityID,
			"fields":    applied,
		}})
		e.logger.Info("enriched entity", slog.String("entity_id", entityID))
	}
	return applied, nil
}

// Failure is one enrichment that could not be applied.
type Failure struct {
	Candidate Candidate `json:"candidate"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
}

// Report summarizes an EnrichAll run.
type Report struct {
	Applied int       `json:"applied"`
	Skipped int       `json:"skipped"`
	Failed  []Failure `json:"failed,omitempty"`
}

// EnrichAll applies candidates one at a time. Candidates that do not need
// enrichment, or whose field has been filled since they were evaluated, are
// skipped, so re-running after a partial failure only touches what remains.
func (e *Engine) EnrichAll(ctx context.Context, candidates []Candidate) (Report, error) {
	var rep Report
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !c.NeedsEnrichment {
			rep.Skipped++
			continue
		}

		var patch registry.Fields
		patch.Set(c.Field, c.ProposedValue)
		applied, err := e.Enrich(ctx, c.EntityID, patch)
		if err != nil {
			e.logger.Warn("enrichment failed",
				slog.String("entity_id", c.EntityID),
				slog.String("field", c.Field),
				slog.String("error", err.Error()))
			rep.Failed = append(rep.Failed, Failure{Candidate: c, Error: err.Error(), Retryable: apperr.Retryable(err)})
			continue
		}
		if applied.IsZero() {
			rep.Skipped++
			continue
		}
		rep.Applied++
	}
	return rep, nil
}

package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/sydlexius/roadie/internal/registry"
)

// Action is the decision a Resolution recommends.
type Action string

// Resolution actions.
const (
	ActionMatchExisting Action = "MATCH_EXISTING"
	ActionCreateNew     Action = "CREATE_NEW"
	ActionNeedsReview   Action = "NEEDS_REVIEW"
)

// Outcome is the action-specific part of a Resolution. It is implemented
// only by MatchExisting, CreateNew and NeedsReview.
type Outcome interface {
	Action() Action
	outcome()
}

// MatchExisting reuses a registry entity.
type MatchExisting struct {
	EntityID string
	// Enrichment holds extracted metadata for fields the entity lacks.
	Enrichment *registry.Fields
}

// CreateNew creates a new registry entity on approval.
type CreateNew struct{}

// NeedsReview defers the decision to a reviewer.
type NeedsReview struct {
	// Suggestion is the name of the closest registry entity.
	Suggestion string
}

func (MatchExisting) Action() Action { return ActionMatchExisting }
func (CreateNew) Action() Action     { return ActionCreateNew }
func (NeedsReview) Action() Action   { return ActionNeedsReview }

func (MatchExisting) outcome() {}
func (CreateNew) outcome()     {}
func (NeedsReview) outcome()   {}

// Candidate is a registry entity considered during resolution.
type Candidate struct {
	EntityID string   `json:"entity_id"`
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

// Resolution is the result of reconciling one name against the registry.
type Resolution struct {
	Target     registry.EntityType
	Outcome    Outcome
	Confidence float64
	Reasons    []string
	Candidates []Candidate
}

// Match returns a MATCH_EXISTING resolution for entityID.
func Match(target registry.EntityType, entityID string, confidence float64, reasons []string, candidates []Candidate, enrichment *registry.Fields) Resolution {
	if enrichment != nil && enrichment.IsZero() {
		enrichment = nil
	}
	return newResolution(target, MatchExisting{EntityID: entityID, Enrichment: enrichment}, confidence, reasons, candidates)
}

// Create returns a CREATE_NEW resolution.
func Create(target registry.EntityType, confidence float64, reasons []string) Resolution {
	return newResolution(target, CreateNew{}, confidence, reasons, nil)
}

// Review returns a NEEDS_REVIEW resolution.
func Review(target registry.EntityType, confidence float64, reasons []string, candidates []Candidate) Resolution {
	var suggestion string
	if len(candidates) > 0 {
		suggestion = candidates[0].Name
	}
	return newResolution(target, NeedsReview{Suggestion: suggestion}, confidence, reasons, candidates)
}

func newResolution(target registry.EntityType, o Outcome, confidence float64, reasons []string, candidates []Candidate) Resolution {
	if reasons == nil {
		reasons = []string{}
	}
	return Resolution{
		Target:     target,
		Outcome:    o,
		Confidence: clamp(confidence),
		Reasons:    reasons,
		Candidates: candidates,
	}
}

// Action returns the outcome's action, or "" for a zero Resolution.
func (r Resolution) Action() Action {
	if r.Outcome == nil {
		return ""
	}
	return r.Outcome.Action()
}

// MatchedID returns the matched entity id. ok is true iff the action is
// MATCH_EXISTING.
func (r Resolution) MatchedID() (id string, ok bool) {
	m, ok := r.Outcome.(MatchExisting)
	if !ok {
		return "", false
	}
	return m.EntityID, true
}

// Enrichment returns the proposed gap-filling patch of a matched resolution.
func (r Resolution) Enrichment() *registry.Fields {
	if m, ok := r.Outcome.(MatchExisting); ok {
		return m.Enrichment
	}
	return nil
}

// Settle replaces a resolution with a reviewer's decision: entityID selects an
// existing entity, an empty entityID forces creation of a new one.
func (r Resolution) Settle(entityID, reviewer string) Resolution {
	reason := "decided by reviewer"
	if reviewer != "" {
		reason = fmt.Sprintf("decided by %s", reviewer)
	}
	reasons := append(append([]string{}, r.Reasons...), reason)
	if entityID == "" {
		return Create(r.Target, 1.0, reasons)
	}
	return Match(r.Target, entityID, 1.0, reasons, r.Candidates, nil)
}

// wireResolution is the persisted shape. The matched id field name depends
// on the target type.
type wireResolution struct {
	Target       registry.EntityType `json:"target,omitempty"`
	Action       Action              `json:"action"`
	Confidence   float64             `json:"confidence"`
	Reasons      []string            `json:"reasons"`
	MatchedVenue string              `json:"matched_venue,omitempty"`
	ArtistID     string              `json:"artist_id,omitempty"`
	Candidates   []Candidate         `json:"candidates,omitempty"`
	Suggestion   string              `json:"suggestion,omitempty"`
	Enrichments  *registry.Fields    `json:"enrichments,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Resolution) MarshalJSON() ([]byte, error) {
	if r.Outcome == nil {
		return nil, fmt.Errorf("resolution has no outcome")
	}
	w := wireResolution{
		Target:     r.Target,
		Action:     r.Action(),
		Confidence: r.Confidence,
		Reasons:    r.Reasons,
		Candidates: r.Candidates,
	}
	if w.Reasons == nil {
		w.Reasons = []string{}
	}
	switch o := r.Outcome.(type) {
	case MatchExisting:
		if r.Target == registry.Artist {
			w.ArtistID = o.EntityID
		} else {
			w.MatchedVenue = o.EntityID
		}
		w.Enrichments = o.Enrichment
	case NeedsReview:
		w.Suggestion = o.Suggestion
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. It rejects shapes that violate
// the action invariants, such as a CREATE_NEW carrying a matched id.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	var w wireResolution
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	target := w.Target
	if target == "" {
		if w.ArtistID != "" {
			target = registry.Artist
		} else {
			target = registry.Venue
		}
	}
	matched := w.MatchedVenue
	if target == registry.Artist {
		matched = w.ArtistID
	}

	switch w.Action {
	case ActionMatchExisting:
		if matched == "" {
			return fmt.Errorf("%s resolution without matched id", w.Action)
		}
		*r = Match(target, matched, w.Confidence, w.Reasons, w.Candidates, w.Enrichments)
	case ActionCreateNew:
		if matched != "" {
			return fmt.Errorf("%s resolution with matched id %q", w.Action, matched)
		}
		*r = Create(target, w.Confidence, w.Reasons)
	case ActionNeedsReview:
		if matched != "" {
			return fmt.Errorf("%s resolution with matched id %q", w.Action, matched)
		}
		*r = newResolution(target, NeedsReview{Suggestion: w.Suggestion}, w.Confidence, w.Reasons, w.Candidates)
	default:
		return fmt.Errorf("unknown resolution action %q", w.Action)
	}
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Package queue holds resolved candidates awaiting a reviewer's decision and
// drives their PENDING to APPROVED or REJECTED lifecycle.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/roadie/internal/extract"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/resolve"
)

// State is a queue item's lifecycle state.
type State string

// Item states. APPROVED and REJECTED are terminal.
const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// Item is one resolved candidate under review. The candidate fields are
// flattened into the item's JSON form.
type Item struct {
	ID string `json:"queue_id"`
	extract.Candidate
	VenueGroupKey    string             `json:"venue_group_key"`
	ArtistGroupKey   string             `json:"artist_group_key"`
	VenueResolution  resolve.Resolution `json:"venueResolution"`
	ArtistResolution resolve.Resolution `json:"artistResolution"`
	State            State              `json:"state"`

	JobID     string     `json:"job_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Result    Result     `json:"result,omitzero"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// JobIndex is the candidate's position in its job's extraction batch.
	JobIndex int `json:"-"`
}

// Result records what an approval produced.
type Result struct {
	VenueID  string `json:"venue_id,omitempty"`
	ArtistID string `json:"artist_id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	// Conflicts describes creation races that were resolved by reuse.
	Conflicts []string `json:"conflicts,omitempty"`
}

// NewItem builds a pending item with its group keys derived from the
// candidate names.
func NewItem(c extract.Candidate, venue, artist resolve.Resolution) Item {
	now := time.Now().UTC()
	return Item{
		ID:               uuid.New().String(),
		Candidate:        c,
		VenueGroupKey:    GroupKey(registry.Venue, c.VenueName),
		ArtistGroupKey:   GroupKey(registry.Artist, c.ArtistName),
		VenueResolution:  venue,
		ArtistResolution: artist,
		State:            StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Resolution returns the item's resolution for one side.
func (it *Item) Resolution(t registry.EntityType) resolve.Resolution {
	if t == registry.Artist {
		return it.ArtistResolution
	}
	return it.VenueResolution
}

// GroupKeys returns the item's venue and artist group keys.
func (it *Item) GroupKeys() []string {
	return []string{it.VenueGroupKey, it.ArtistGroupKey}
}

// DecisionResult is the per-item outcome of a group decision.
type DecisionResult struct {
	ItemID string `json:"queue_id"`
	State  State  `json:"state"`
	Result Result `json:"result,omitzero"`
	Err    error  `json:"-"`
	// Error, Kind and Retryable mirror Err for JSON clients.
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// GroupOutcome summarizes a group decision.
type GroupOutcome struct {
	Key       string           `json:"key"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []DecisionResult `json:"results"`
}

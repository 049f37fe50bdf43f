package registry

import (
	"errors"
	"time"
)

// EntityType distinguishes the kinds of canonical records the queue
// reconciles against.
type EntityType string

// Entity types.
const (
	Venue  EntityType = "venue"
	Artist EntityType = "artist"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == Venue || t == Artist
}

// ErrDuplicate is returned by Create when an entity with the same type and
// normalized name already exists.
var ErrDuplicate = errors.New("entity already exists")

// ErrNotFound is returned when an entity or event id is unknown.
var ErrNotFound = errors.New("not found")

// Fields holds the optional metadata carried by venues and artists. It is
// also used as a patch, where empty values mean "leave unchanged".
type Fields struct {
	Address   string `json:"address,omitempty"`
	Website   string `json:"website,omitempty"`
	SocialURL string `json:"socialUrl,omitempty"`
}

// IsZero reports whether no field is set.
func (f Fields) IsZero() bool {
	return f.Address == "" && f.Website == "" && f.SocialURL == ""
}

// Field names accepted by Get and Set.
const (
	FieldAddress   = "address"
	FieldWebsite   = "website"
	FieldSocialURL = "socialUrl"
)

// FieldNames lists the enrichable fields in display order.
func FieldNames() []string {
	return []string{FieldAddress, FieldWebsite, FieldSocialURL}
}

// Get returns the value of the named field.
func (f Fields) Get(name string) string {
	switch name {
	case FieldAddress:
		return f.Address
	case FieldWebsite:
		return f.Website
	case FieldSocialURL:
		return f.SocialURL
	default:
		return ""
	}
}

// Set assigns the named field. Unknown names are ignored.
func (f *Fields) Set(name, value string) {
	switch name {
	case FieldAddress:
		f.Address = value
	case FieldWebsite:
		f.Website = value
	case FieldSocialURL:
		f.SocialURL = value
	}
}

// Entity is a canonical venue or artist.
type Entity struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Name      string     `json:"name"`
	NameKey   string     `json:"name_key"`
	Fields    Fields     `json:"fields"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is a dated performance of an artist at a venue.
type Event struct {
	ID          string    `json:"id"`
	VenueID     string    `json:"venue_id"`
	ArtistID    string    `json:"artist_id"`
	Date        string    `json:"date"`
	Time        string    `json:"time,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	QueueItemID string    `json:"queue_item_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	VenueID  string
	ArtistID string
	From     string
	To       string
	Limit    int
}

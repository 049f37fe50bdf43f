// Package extract defines extracted event candidates and the client for the
// external extraction service that produces them.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/registry"
)

// DateLayout is the required candidate date format.
const DateLayout = "2006-01-02"

// Candidate is one raw event listing produced by the extractor. Candidates
// are values and are never modified after extraction.
type Candidate struct {
	ArtistName string `json:"artistName"`
	VenueName  string `json:"venueName"`
	Date       string `json:"date"`
	Time       string `json:"time,omitempty"`
	Notes      string `json:"notes,omitempty"`
	SourceURL  string `json:"facebookUrl,omitempty"`

	VenueDetails  registry.Fields `json:"venueDetails,omitzero"`
	ArtistDetails registry.Fields `json:"artistDetails,omitzero"`
}

// Validate checks that both names are present. The date is checked
// separately by ValidateDate because a candidate with a bad date can still be
// reviewed.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.ArtistName) == "" {
		return &apperr.ValidationError{Field: "artistName", Reason: "required"}
	}
	if strings.TrimSpace(c.VenueName) == "" {
		return &apperr.ValidationError{Field: "venueName", Reason: "required"}
	}
	return nil
}

// ValidateDate checks the date is present and well formed.
func (c Candidate) ValidateDate() error {
	if strings.TrimSpace(c.Date) == "" {
		return &apperr.ValidationError{Field: "date", Reason: "required"}
	}
	if _, err := time.Parse(DateLayout, c.Date); err != nil {
		return &apperr.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD, got " + c.Date}
	}
	return nil
}

// Details returns the extracted metadata for one side of the candidate.
func (c Candidate) Details(t registry.EntityType) registry.Fields {
	if t == registry.Artist {
		return c.ArtistDetails
	}
	return c.VenueDetails
}

// Name returns the extracted name for one side of the candidate.
func (c Candidate) Name(t registry.EntityType) string {
	if t == registry.Artist {
		return c.ArtistName
	}
	return c.VenueName
}

// Source is raw content handed to the extractor.
type Source struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}

// Extractor turns unstructured source content into candidates.
// Implementations return *apperr.UpstreamExtractionError for failures that
// may succeed on retry.
type Extractor interface {
	Extract(ctx context.Context, src Source) ([]Candidate, error)
}

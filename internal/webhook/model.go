// Package webhook delivers pipeline events to external HTTP endpoints.
package webhook

import "time"

// Webhook represents a configured webhook endpoint.
type Webhook struct {
	ID        string    `json:"id" yaml:"-"`
	Name      string    `json:"name" yaml:"name"`
	URL       string    `json:"url" yaml:"url"`
	Type      string    `json:"type" yaml:"type"`
	Events    []string  `json:"events" yaml:"events"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Webhook types.
const (
	TypeGeneric = "generic"
	TypeDiscord = "discord"
	TypeSlack   = "slack"
	TypeGotify  = "gotify"
)

// Subscribes reports whether w should receive events of the given type. An
// empty event list subscribes to everything.
func (w *Webhook) Subscribes(eventType string) bool {
	if !w.Enabled {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sydlexius/roadie/internal/event"
)

// formatPayload returns the request body and content-type for a webhook delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	switch w.Type {
	case TypeDiscord:
		return formatDiscord(e)
	case TypeSlack:
		return formatSlack(e)
	case TypeGotify:
		return formatGotify(e)
	default:
		return formatGeneric(e)
	}
}

func formatGeneric(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"event":     string(e.Type),
		"timestamp": e.Timestamp,
		"data":      e.Data,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatDiscord(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("Roadie: %s", e.Type),
				"description": formatDescription(e),
				"color":       colorFor(e.Type),
				"timestamp":   e.Timestamp.Format("2006-01-02T15:04:05Z"),
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatSlack(e event.Event) ([]byte, string) {
	text := fmt.Sprintf("*Roadie: %s*\n%s", e.Type, formatDescription(e))
	payload := map[string]any{
		"text": text,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatGotify(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"title":   fmt.Sprintf("Roadie: %s", e.Type),
		"message": formatDescription(e),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func colorFor(t event.Type) int {
	switch t {
	case event.ApplyFailed, event.ExtractionFailed:
		return 15158332 // red
	case event.CreationConflict:
		return 15105570 // orange
	default:
		return 3447003 // blue
	}
}

// formatDescription renders a one-line summary of the event.
func formatDescription(e event.Event) string {
	if e.Data == nil {
		return string(e.Type)
	}
	if msg, ok := e.Data["message"].(string); ok {
		return msg
	}
	d := e.Data
	switch e.Type {
	case event.ItemApproved:
		return fmt.Sprintf("Approved queue item %v by %v", d["queue_id"], orUnknown(d["reviewer"]))
	case event.ItemRejected:
		return fmt.Sprintf("Rejected queue item %v by %v", d["queue_id"], orUnknown(d["reviewer"]))
	case event.ApplyFailed:
		return fmt.Sprintf("Applying queue item %v failed: %v", d["queue_id"], d["error"])
	case event.EntityCreated:
		return fmt.Sprintf("Created %v %q", d["type"], d["name"])
	case event.CreationConflict:
		return fmt.Sprintf("Concurrent creation of %v %q resolved to %v", d["type"], d["name_key"], d["winner_id"])
	case event.ExtractionCompleted:
		return fmt.Sprintf("Extraction job %v queued %v of %v candidates", d["job_id"], d["queued"], d["candidates"])
	case event.ExtractionFailed:
		return fmt.Sprintf("Extraction job %v failed: %v", d["job_id"], d["error"])
	}
	b, _ := json.Marshal(d)
	return string(b)
}

func orUnknown(v any) any {
	if s, ok := v.(string); !ok || s == "" {
		return "unknown"
	}
	return v
}

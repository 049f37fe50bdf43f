package api

import (
	"net/http"

	"github.com/sydlexius/roadie/internal/webhook"
)

// webhookBody is the writable part of a webhook. Enabled is a pointer so an
// update can leave it unchanged.
type webhookBody struct {
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Type    string   `json:"type"`
	Events  []string `json:"events"`
	Enabled *bool    `json:"enabled"`
}

func (r *Router) requireWebhooks(w http.ResponseWriter) bool {
	if r.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not available")
		return false
	}
	return true
}

func (r *Router) handleListWebhooks(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	webhooks, err := r.webhooks.List(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if webhooks == nil {
		webhooks = []webhook.Webhook{}
	}
	writeJSON(w, http.StatusOK, webhooks)
}

func (r *Router) handleGetWebhook(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	wh, err := r.webhooks.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (r *Router) handleCreateWebhook(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	var body webhookBody
	if err := decodeBody(w, req, &body); err != nil {
		r.writeAppError(w, err)
		return
	}

	wh := &webhook.Webhook{
		Name:    body.Name,
		URL:     body.URL,
		Type:    body.Type,
		Events:  body.Events,
		Enabled: body.Enabled == nil || *body.Enabled,
	}
	if wh.Type == "" {
		wh.Type = webhook.TypeGeneric
	}
	if wh.Events == nil {
		wh.Events = []string{}
	}

	if err := r.webhooks.Create(req.Context(), wh); err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (r *Router) handleUpdateWebhook(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	existing, err := r.webhooks.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}

	var body webhookBody
	if err := decodeBody(w, req, &body); err != nil {
		r.writeAppError(w, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.URL != "" {
		existing.URL = body.URL
	}
	if body.Type != "" {
		existing.Type = body.Type
	}
	if body.Events != nil {
		existing.Events = body.Events
	}
	if body.Enabled != nil {
		existing.Enabled = *body.Enabled
	}

	if err := r.webhooks.Update(req.Context(), existing); err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (r *Router) handleDeleteWebhook(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	if err := r.webhooks.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleTestWebhook(w http.ResponseWriter, req *http.Request) {
	if !r.requireWebhooks(w) {
		return
	}
	if r.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook dispatcher not available")
		return
	}
	wh, err := r.webhooks.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if err := r.dispatcher.SendTest(*wh); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

package api

import (
	"net/http"
	"strings"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
)

func (r *Router) handleListQueue(w http.ResponseWriter, req *http.Request) {
	var (
		items []queue.Item
		err   error
	)
	switch state := queue.State(strings.ToUpper(req.URL.Query().Get("state"))); state {
	case "", queue.StatePending:
		items, err = r.queue.List(req.Context())
	case queue.StateApproved, queue.StateRejected:
		items, err = r.queue.ListByState(req.Context(), state)
	default:
		err = &apperr.ValidationError{Field: "state", Reason: "must be PENDING, APPROVED or REJECTED"}
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleQueueCounts(w http.ResponseWriter, req *http.Request) {
	counts, err := r.queue.Counts(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (r *Router) handleGetQueueItem(w http.ResponseWriter, req *http.Request) {
	it, err := r.queue.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (r *Router) handleListGroups(w http.ResponseWriter, req *http.Request) {
	groups, err := r.queue.Groups(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	summaries := groups.Summaries()
	if summaries == nil {
		summaries = []queue.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (r *Router) handleApprove(w http.ResponseWriter, req *http.Request) {
	it, err := r.queue.Approve(req.Context(), req.PathValue("id"))
	r.writeDecision(w, it, err)
}

func (r *Router) handleReject(w http.ResponseWriter, req *http.Request) {
	it, err := r.queue.Reject(req.Context(), req.PathValue("id"))
	r.writeDecision(w, it, err)
}

func (r *Router) handleApproveGroup(w http.ResponseWriter, req *http.Request) {
	out, err := r.queue.ApproveGroup(req.Context(), req.PathValue("key"))
	r.writeDecision(w, out, err)
}

func (r *Router) handleRejectGroup(w http.ResponseWriter, req *http.Request) {
	out, err := r.queue.RejectGroup(req.Context(), req.PathValue("key"))
	r.writeDecision(w, out, err)
}

// handleChoose settles one side of an item under review. An empty entity_id
// asks for a new entity to be created on approval.
func (r *Router) handleChoose(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Target   string `json:"target"`
		EntityID string `json:"entity_id"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		r.writeAppError(w, err)
		return
	}
	it, err := r.queue.Choose(req.Context(), req.PathValue("id"), registry.EntityType(strings.ToLower(body.Target)), body.EntityID)
	if err != nil && apperr.KindOf(err) == apperr.KindAlreadyProcessed {
		r.writeDecision(w, it, err)
		return
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

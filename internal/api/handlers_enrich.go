package api

import (
	"net/http"

	"github.com/sydlexius/roadie/internal/enrich"
	"github.com/sydlexius/roadie/internal/registry"
)

func (r *Router) handleListEnrichments(w http.ResponseWriter, req *http.Request) {
	candidates, err := r.enrich.Candidates(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if candidates == nil {
		candidates = []enrich.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (r *Router) handleEnrichEntity(w http.ResponseWriter, req *http.Request) {
	var patch registry.Fields
	if err := decodeBody(w, req, &patch); err != nil {
		r.writeAppError(w, err)
		return
	}
	applied, err := r.enrich.Enrich(req.Context(), req.PathValue("id"), patch)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": req.PathValue("id"),
		"applied":   applied,
	})
}

// handleApplyAllEnrichments applies the posted candidates, or every current
// candidate when the body is empty.
func (r *Router) handleApplyAllEnrichments(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Candidates []enrich.Candidate `json:"candidates"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		r.writeAppError(w, err)
		return
	}
	candidates := body.Candidates
	if candidates == nil {
		var err error
		candidates, err = r.enrich.Candidates(req.Context())
		if err != nil {
			r.writeAppError(w, err)
			return
		}
	}
	report, err := r.enrich.EnrichAll(req.Context(), candidates)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

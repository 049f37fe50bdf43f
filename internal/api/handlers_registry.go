package api

import (
	"errors"
	"net/http"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/registry"
)

func (r *Router) handleListVenues(w http.ResponseWriter, req *http.Request) {
	r.listEntities(w, req, registry.Venue)
}

func (r *Router) handleListArtists(w http.ResponseWriter, req *http.Request) {
	r.listEntities(w, req, registry.Artist)
}

// listEntities lists entities of one type. With a "name" query parameter
// only entities whose normalized name equals it are returned.
func (r *Router) listEntities(w http.ResponseWriter, req *http.Request, t registry.EntityType) {
	var (
		entities []registry.Entity
		err      error
	)
	if name := req.URL.Query().Get("name"); name != "" {
		entities, err = r.registry.FindByName(req.Context(), t, normalize.Key(name))
	} else {
		entities, err = r.registry.List(req.Context(), t)
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if entities == nil {
		entities = []registry.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (r *Router) handleGetEntity(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	e, err := r.registry.Get(req.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		err = &apperr.NotFoundError{Resource: "entity", ID: id}
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", 0)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	q := req.URL.Query()
	events, err := r.registry.ListEvents(req.Context(), registry.EventFilter{
		VenueID:  q.Get("venue_id"),
		ArtistID: q.Get("artist_id"),
		From:     q.Get("from"),
		To:       q.Get("to"),
		Limit:    limit,
	})
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if events == nil {
		events = []registry.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleGetEvent(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	ev, err := r.registry.GetEvent(req.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		err = &apperr.NotFoundError{Resource: "event", ID: id}
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

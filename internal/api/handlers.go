package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/version"
)

// maxBodyBytes bounds request bodies, including ingested source content.
const maxBodyBytes = 8 << 20

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	code := http.StatusOK
	if r.db != nil {
		if err := r.db.PingContext(req.Context()); err != nil {
			r.logger.Error("health check: database unreachable", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status":  status,
		"version": version.Version,
		"commit":  version.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// statusFor maps an error kind to the HTTP status reported for it.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyProcessed, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstreamExtraction:
		return http.StatusBadGateway
	case apperr.KindUpstreamLookup, apperr.KindUpstreamWrite:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeAppError sends err with the status its kind maps to. Errors of no
// known kind are logged and hidden behind a generic message.
func (r *Router) writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	body := map[string]any{
		"error":     err.Error(),
		"kind":      apperr.KindOf(err),
		"retryable": apperr.Retryable(err),
	}
	if apperr.Retryable(err) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

// writeDecision reports a queue decision. A decision on an item that is
// already decided or gone is a no-op for the caller, not a failure.
func (r *Router) writeDecision(w http.ResponseWriter, v any, err error) {
	if err != nil && apperr.IsNoop(err) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "noop",
			"reason": err.Error(),
			"kind":   apperr.KindOf(err),
		})
		return
	}
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// decodeBody reads a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &apperr.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// queryInt returns a positive integer query parameter or def.
func queryInt(req *http.Request, name string, def int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &apperr.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}

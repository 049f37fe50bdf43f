package api

import (
	"context"
	"net/http"
	"time"
)

func (r *Router) requireMaintenance(w http.ResponseWriter) bool {
	if r.maintenance == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return false
	}
	return true
}

func (r *Router) handleMaintenanceStatus(w http.ResponseWriter, req *http.Request) {
	if !r.requireMaintenance(w) {
		return
	}
	status, err := r.maintenance.Status(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleMaintenanceRun runs one maintenance pass now. Step failures are
// reported in the body, not as an error status.
func (r *Router) handleMaintenanceRun(w http.ResponseWriter, req *http.Request) {
	if !r.requireMaintenance(w) {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()
	writeJSON(w, http.StatusOK, r.maintenance.Run(ctx))
}

func (r *Router) handleMaintenanceOptimize(w http.ResponseWriter, req *http.Request) {
	if !r.requireMaintenance(w) {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()

	if err := r.maintenance.Optimize(ctx); err != nil {
		r.logger.Error("optimize failed", "error", err)
		writeError(w, http.StatusInternalServerError, "optimize failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "optimized"})
}

func (r *Router) handleMaintenanceVacuum(w http.ResponseWriter, req *http.Request) {
	if !r.requireMaintenance(w) {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()

	if err := r.maintenance.Vacuum(ctx); err != nil {
		r.logger.Error("vacuum failed", "error", err)
		writeError(w, http.StatusInternalServerError, "vacuum failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "vacuumed"})
}

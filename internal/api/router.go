// Package api serves the review queue, registry and extraction jobs over a
// JSON HTTP API.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sydlexius/roadie/internal/api/middleware"
	"github.com/sydlexius/roadie/internal/enrich"
	"github.com/sydlexius/roadie/internal/ingest"
	"github.com/sydlexius/roadie/internal/maintenance"
	"github.com/sydlexius/roadie/internal/queue"
	"github.com/sydlexius/roadie/internal/registry"
	"github.com/sydlexius/roadie/internal/webhook"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
// Webhooks, Dispatcher and Maintenance are optional.
type RouterDeps struct {
	Queue       *queue.Service
	Registry    *registry.Service
	Enrich      *enrich.Engine
	Ingest      *ingest.Service
	Webhooks    *webhook.Service
	Dispatcher  *webhook.Dispatcher
	Maintenance *maintenance.Service
	Auth        *middleware.Authenticator
	DB          *sql.DB
	Logger      *slog.Logger
	BasePath    string
	// IngestEvery and IngestBurst limit extraction submissions per client.
	IngestEvery time.Duration
	IngestBurst int
}

// Router sets up all HTTP routes for the application.
type Router struct {
	queue       *queue.Service
	registry    *registry.Service
	enrich      *enrich.Engine
	ingest      *ingest.Service
	webhooks    *webhook.Service
	dispatcher  *webhook.Dispatcher
	maintenance *maintenance.Service
	auth        *middleware.Authenticator
	db          *sql.DB
	logger      *slog.Logger
	basePath    string
	ingestEvery time.Duration
	ingestBurst int
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	r := &Router{
		queue:       deps.Queue,
		registry:    deps.Registry,
		enrich:      deps.Enrich,
		ingest:      deps.Ingest,
		webhooks:    deps.Webhooks,
		dispatcher:  deps.Dispatcher,
		maintenance: deps.Maintenance,
		auth:        deps.Auth,
		db:          deps.DB,
		logger:      deps.Logger.With(slog.String("component", "api")),
		basePath:    deps.BasePath,
		ingestEvery: deps.IngestEvery,
		ingestBurst: deps.IngestBurst,
	}
	if r.ingestEvery <= 0 {
		r.ingestEvery = 2 * time.Second
	}
	if r.ingestBurst <= 0 {
		r.ingestBurst = 10
	}
	return r
}

// Handler returns the fully configured HTTP handler with middleware applied.
// ctx bounds background helpers such as the rate limiter's cleanup.
func (r *Router) Handler(ctx context.Context) http.Handler {
	authMw := middleware.Auth(r.auth)
	limiter := middleware.NewRateLimiter(ctx, r.ingestEvery, r.ingestBurst)
	mux := http.NewServeMux()
	bp := r.basePath

	// Public routes (no auth)
	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)
	mux.Handle("GET "+bp+"/metrics", promhttp.Handler())

	// Queue routes
	mux.HandleFunc("GET "+bp+"/api/v1/queue", wrapAuth(r.handleListQueue, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/queue/counts", wrapAuth(r.handleQueueCounts, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/queue/groups", wrapAuth(r.handleListGroups, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/queue/groups/{key}/approve", wrapAuth(r.handleApproveGroup, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/queue/groups/{key}/reject", wrapAuth(r.handleRejectGroup, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/queue/{id}", wrapAuth(r.handleGetQueueItem, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/queue/{id}/approve", wrapAuth(r.handleApprove, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/queue/{id}/reject", wrapAuth(r.handleReject, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/queue/{id}/choose", wrapAuth(r.handleChoose, authMw))

	// Enrichment routes
	mux.HandleFunc("GET "+bp+"/api/v1/enrichments", wrapAuth(r.handleListEnrichments, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/enrichments/apply-all", wrapAuth(r.handleApplyAllEnrichments, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/entities/{id}/enrich", wrapAuth(r.handleEnrichEntity, authMw))

	// Extraction routes
	mux.Handle("POST "+bp+"/api/v1/ingest", limiter.Middleware(wrapAuth(r.handleIngest, authMw)))
	mux.HandleFunc("GET "+bp+"/api/v1/jobs", wrapAuth(r.handleListJobs, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/jobs/{id}", wrapAuth(r.handleGetJob, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/jobs/{id}/retry", wrapAuth(r.handleRetryJob, authMw))

	// Registry routes
	mux.HandleFunc("GET "+bp+"/api/v1/venues", wrapAuth(r.handleListVenues, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/artists", wrapAuth(r.handleListArtists, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/entities/{id}", wrapAuth(r.handleGetEntity, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/events", wrapAuth(r.handleListEvents, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/events/{id}", wrapAuth(r.handleGetEvent, authMw))

	// Webhook routes
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks", wrapAuth(r.handleListWebhooks, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks", wrapAuth(r.handleCreateWebhook, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleGetWebhook, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleUpdateWebhook, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleDeleteWebhook, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks/{id}/test", wrapAuth(r.handleTestWebhook, authMw))

	// Maintenance routes
	mux.HandleFunc("GET "+bp+"/api/v1/maintenance/status", wrapAuth(r.handleMaintenanceStatus, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/run", wrapAuth(r.handleMaintenanceRun, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/optimize", wrapAuth(r.handleMaintenanceOptimize, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/vacuum", wrapAuth(r.handleMaintenanceVacuum, authMw))

	return middleware.Logging(r.logger)(middleware.SecurityHeaders(mux))
}

// wrapAuth wraps a handler function with auth middleware.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMw(fn).ServeHTTP(w, r)
	}
}

// Package metrics exposes Prometheus instrumentation for the review pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Resolutions       *prometheus.CounterVec
	ResolveDuration   prometheus.Histogram
	Decisions         *prometheus.CounterVec
	ApplyDuration     prometheus.Histogram
	EntitiesCreated   *prometheus.CounterVec
	CreationConflicts *prometheus.CounterVec
	FieldsEnriched    *prometheus.CounterVec
	ExtractionJobs    *prometheus.CounterVec
	QueuePending      prometheus.Gauge
}

// New creates and registers the collectors on the default registry. It is
// safe to call more than once; every call returns the same instance.
//
// Metrics:
//   - roadie_resolutions_total{target,action}
//   - roadie_resolve_duration_seconds
//   - roadie_queue_decisions_total{decision,outcome}
//   - roadie_apply_duration_seconds
//   - roadie_entities_created_total{type}
//   - roadie_creation_conflicts_total{type}
//   - roadie_fields_enriched_total{field}
//   - roadie_extraction_jobs_total{status}
//   - roadie_queue_pending
func New() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_resolutions_total",
				Help: "Resolutions produced, by target type and action",
			}, []string{"target", "action"}),

			ResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "roadie_resolve_duration_seconds",
				Help:    "Time spent resolving one name against the registry",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			}),

			Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_queue_decisions_total",
				Help: "Queue decisions by decision and outcome (ok, noop, error)",
			}, []string{"decision", "outcome"}),

			ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "roadie_apply_duration_seconds",
				Help:    "Time spent applying an approved queue item",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),

			EntitiesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_entities_created_total",
				Help: "Canonical entities created by approvals",
			}, []string{"type"}),

			CreationConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_creation_conflicts_total",
				Help: "Concurrent creation races resolved by reusing the winner",
			}, []string{"type"}),

			FieldsEnriched: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_fields_enriched_total",
				Help: "Entity fields filled by enrichment",
			}, []string{"field"}),

			ExtractionJobs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "roadie_extraction_jobs_total",
				Help: "Extraction jobs finished, by final status",
			}, []string{"status"}),

			QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "roadie_queue_pending",
				Help: "Queue items awaiting a decision",
			}),
		}
	})
	return global
}

// RecordResolution counts one resolution.
func (m *Metrics) RecordResolution(target, action string, d time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(target, action).Inc()
	m.ResolveDuration.Observe(d.Seconds())
}

// RecordDecision counts one approve or reject call.
func (m *Metrics) RecordDecision(decision, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, outcome).Inc()
}

// RecordApply observes the duration of one apply.
func (m *Metrics) RecordApply(d time.Duration) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(d.Seconds())
}

// RecordCreated counts a newly created entity.
func (m *Metrics) RecordCreated(entityType string) {
	if m == nil {
		return
	}
	m.EntitiesCreated.WithLabelValues(entityType).Inc()
}

// RecordConflict counts a resolved creation race.
func (m *Metrics) RecordConflict(entityType string) {
	if m == nil {
		return
	}
	m.CreationConflicts.WithLabelValues(entityType).Inc()
}

// RecordEnriched counts a filled field.
func (m *Metrics) RecordEnriched(field string) {
	if m == nil {
		return
	}
	m.FieldsEnriched.WithLabelValues(field).Inc()
}

// RecordJob counts a finished extraction job.
func (m *Metrics) RecordJob(status string) {
	if m == nil {
		return
	}
	m.ExtractionJobs.WithLabelValues(status).Inc()
}

// SetPending sets the pending queue gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}

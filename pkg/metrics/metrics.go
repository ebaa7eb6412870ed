// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	PipelineRequestsTotal  *prometheus.CounterVec
	StageLatency           *prometheus.HistogramVec
	CandidateCounts        *prometheus.HistogramVec
	ComponentErrorsTotal   *prometheus.CounterVec
	ComponentTimeoutsTotal *prometheus.CounterVec
	AssignmentsTotal       *prometheus.CounterVec
	AssignmentCacheHits    prometheus.Counter
	AssignmentCacheMisses  prometheus.Counter
	ImpressionsLogged      prometheus.Counter
	ImpressionsDeduped     prometheus.Counter
	SideEffectsDropped     prometheus.Counter
	ActionsFlushedTotal    *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PipelineRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_requests_total",
				Help: "Total pipeline executions by outcome (ok, empty, error).",
			},
			[]string{"outcome"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_latency_seconds",
				Help:    "Pipeline stage latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"stage"},
		),
		CandidateCounts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_candidate_count",
				Help:    "Candidate counts per pipeline phase (retrieved, filtered, selected).",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"phase"},
		),
		ComponentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_component_errors_total",
				Help: "Total component failures by stage and component name.",
			},
			[]string{"stage", "component"},
		),
		ComponentTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_component_timeouts_total",
				Help: "Total component timeouts by stage and component name.",
			},
			[]string{"stage", "component"},
		),
		AssignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "experiment_assignments_total",
				Help: "Total experiment assignment evaluations by result (bucketed, control, ineligible).",
			},
			[]string{"result"},
		),
		AssignmentCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "experiment_assignment_cache_hits_total",
				Help: "Total assignment cache hits.",
			},
		),
		AssignmentCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "experiment_assignment_cache_misses_total",
				Help: "Total assignment cache misses.",
			},
		),
		ImpressionsLogged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "impressions_logged_total",
				Help: "Total impression records written.",
			},
		),
		ImpressionsDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "impressions_deduped_total",
				Help: "Total impressions suppressed by the de-dup window.",
			},
		),
		SideEffectsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "side_effects_dropped_total",
				Help: "Total side-effect tasks dropped due to a full queue.",
			},
		),
		ActionsFlushedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actions_flushed_total",
				Help: "Total action records flushed by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PipelineRequestsTotal,
		m.StageLatency,
		m.CandidateCounts,
		m.ComponentErrorsTotal,
		m.ComponentTimeoutsTotal,
		m.AssignmentsTotal,
		m.AssignmentCacheHits,
		m.AssignmentCacheMisses,
		m.ImpressionsLogged,
		m.ImpressionsDeduped,
		m.SideEffectsDropped,
		m.ActionsFlushedTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warmfleet/coordinator/internal/domain"
)

// Metrics holds all coordinator collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	selections        *prometheus.CounterVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	healthTransitions *prometheus.CounterVec
	checkLatency      *prometheus.HistogramVec
	warmups           *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
}

// New creates the coordinator metrics set
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_selections_total",
			Help: "Routing selections by decision reason.",
		}, []string{"reason"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_cache_hits_total",
			Help: "Selections that landed on a node holding the requested prefix.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_cache_misses_total",
			Help: "Selections that could not find a warm node for the prefix.",
		}),
		healthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_health_transitions_total",
			Help: "Node health state transitions.",
		}, []string{"node_id", "from", "to"}),
		checkLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordinator_health_check_duration_seconds",
			Help:    "Health check latency per node.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_id"}),
		warmups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_cache_warmups_total",
			Help: "Cache warmup attempts by outcome.",
		}, []string{"outcome"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_request_outcomes_total",
			Help: "Real traffic outcomes recorded per node.",
		}, []string{"node_id", "outcome"}),
	}
}

// Handler returns the /metrics HTTP handler for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSelection counts a routing decision
func (m *Metrics) RecordSelection(reason domain.RouteReason, cacheHit bool) {
	m.selections.WithLabelValues(string(reason)).Inc()
	if cacheHit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordHealthTransition counts a node state transition
func (m *Metrics) RecordHealthTransition(nodeID string, from, to domain.HealthState) {
	m.healthTransitions.WithLabelValues(nodeID, from.String(), to.String()).Inc()
}

// ObserveCheckLatency records a health check duration
func (m *Metrics) ObserveCheckLatency(nodeID string, seconds float64) {
	m.checkLatency.WithLabelValues(nodeID).Observe(seconds)
}

// RecordWarmup counts a warmup attempt
func (m *Metrics) RecordWarmup(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.warmups.WithLabelValues(outcome).Inc()
}

// RecordOutcome counts a real traffic outcome for a node
func (m *Metrics) RecordOutcome(nodeID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.outcomes.WithLabelValues(nodeID, outcome).Inc()
}

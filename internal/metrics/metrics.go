// Package metrics provides Prometheus instrumentation for the circuit
// breaker core. All metric collectors are registered via the Init function
// and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState reports the current state per service key
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitmesh_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// StateChanges counts state transitions by service and edge.
	StateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitmesh_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// Rejections counts admission rejections by reason (open, overloaded).
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitmesh_rejections_total",
			Help: "Total calls rejected without invoking the service",
		},
		[]string{"service", "reason"},
	)

	// CallDuration observes protected-call latency in seconds by outcome
	// (success, failure, timeout).
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "circuitmesh_call_duration_seconds",
			Help:    "Protected call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "outcome"},
	)

	// InFlight tracks the number of active calls per service key.
	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitmesh_inflight_calls",
			Help: "Number of calls currently in flight",
		},
		[]string{"service"},
	)

	// StoreErrors counts coordination-store failures by operation.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitmesh_store_errors_total",
			Help: "Total coordination store operation failures",
		},
		[]string{"op"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		StateChanges,
		Rejections,
		CallDuration,
		InFlight,
		StoreErrors,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

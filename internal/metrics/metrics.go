// Package metrics exposes the fabric's Prometheus instrumentation: router
// request/latency/fallback counters, circuit breaker state transitions,
// and bridge event counts. Nothing in spec.md requires metrics, but the
// teacher's go.mod already commits to prometheus/client_golang as an
// indirect dependency, and a production gateway in this corpus's style
// would wire it the way the teacher wires chi middleware: one shared
// registry, handed to every component that needs to record something.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the fabric records. A nil *Registry is
// valid everywhere it's threaded through — every method is a no-op when
// the receiver (or its wrapped vector) was never registered, so callers
// don't need a separate "metrics disabled" branch.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FallbacksTotal  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	BreakerTrips    *prometheus.CounterVec
	BridgeEvents    *prometheus.CounterVec
}

// New registers every metric on reg and returns the bundle. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide one.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfabric",
			Name:      "router_requests_total",
			Help:      "Total requests dispatched by the router, labeled by backend and outcome.",
		}, []string{"backend", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmfabric",
			Name:      "router_request_duration_seconds",
			Help:      "Router request latency, labeled by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfabric",
			Name:      "router_fallbacks_total",
			Help:      "Fallback attempts, labeled by the backend that failed over.",
		}, []string{"from_backend"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmfabric",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=half_open, 2=open).",
		}, []string{"backend"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfabric",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker open transitions, labeled by backend.",
		}, []string{"backend"}),
		BridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfabric",
			Name:      "bridge_events_total",
			Help:      "Bridge event bus emissions, labeled by event name.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.FallbacksTotal, m.BreakerState, m.BreakerTrips, m.BridgeEvents)
	return m
}

// BreakerStateValue maps a breaker.State string to the gauge's numeric
// encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open", "half_open":
		return 1
	default:
		return 0
	}
}

func (m *Registry) ObserveRequest(backend, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(backend, outcome).Inc()
}

func (m *Registry) ObserveDuration(backend string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(backend).Observe(seconds)
}

func (m *Registry) ObserveFallback(fromBackend string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(fromBackend).Inc()
}

func (m *Registry) SetBreakerState(backend, state string) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(backend).Set(BreakerStateValue(state))
}

func (m *Registry) ObserveBreakerTrip(backend string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(backend).Inc()
}

func (m *Registry) ObserveBridgeEvent(event string) {
	if m == nil {
		return
	}
	m.BridgeEvents.WithLabelValues(event).Inc()
}

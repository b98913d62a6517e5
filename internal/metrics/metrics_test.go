package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveRequestIncrementsLabeledCounter(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.ObserveRequest("anthropic", "success")
	reg.ObserveRequest("anthropic", "success")
	reg.ObserveRequest("google", "error")

	assert.Equal(t, float64(2), counterValue(t, reg.RequestsTotal, "anthropic", "success"))
	assert.Equal(t, float64(1), counterValue(t, reg.RequestsTotal, "google", "error"))
}

func TestNilRegistryMethodsAreNoOps(t *testing.T) {
	var m *Registry
	assert.NotPanics(t, func() {
		m.ObserveRequest("x", "y")
		m.ObserveDuration("x", 1.0)
		m.ObserveFallback("x")
		m.SetBreakerState("x", "open")
		m.ObserveBreakerTrip("x")
		m.ObserveBridgeEvent("x")
	})
}

func TestBreakerStateValueEncoding(t *testing.T) {
	assert.Equal(t, float64(0), BreakerStateValue("closed"))
	assert.Equal(t, float64(1), BreakerStateValue("half_open"))
	assert.Equal(t, float64(2), BreakerStateValue("open"))
}

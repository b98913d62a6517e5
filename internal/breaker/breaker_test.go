package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBreakerCycleS5 reproduces S5 from spec.md §8.
func TestBreakerCycleS5(t *testing.T) {
	b := New(Config{Threshold: 3, Timeout: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())

	assert.False(t, b.Allow(), "fourth call must be rejected without reaching the backend")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow(), "after timeout elapses the probe is admitted")
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestHalfOpenFailureReopensWithRestartedTimer(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: 20 * time.Millisecond})
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(25 * time.Millisecond)
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "timer must have restarted")
}

func TestHalfOpenAdmitsOnlyOneProbe(t *testing.T) {
	b := New(Config{Threshold: 1, Timeout: 10 * time.Millisecond})
	require.True(t, b.Allow())
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "a second concurrent probe must be rejected")
}

func TestManualOpenCloseReset(t *testing.T) {
	b := New(Config{Threshold: 5, Timeout: time.Second})
	b.Open(0)
	assert.True(t, b.IsOpen())
	b.Close()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 2, b.ConsecutiveFailures())
	b.Reset()
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

// Package breaker implements the per-backend circuit breaker state
// machine from spec.md §4.5: closed → open → half-open → closed, owned by
// the router and keyed by backend name, outliving individual requests.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker instance.
type Config struct {
	Threshold int           // consecutive failures before opening
	Timeout   time.Duration // how long to stay open before probing
}

// Breaker is one backend's circuit breaker. Safe for concurrent use —
// counters are atomic, and the state transition itself is guarded by a
// mutex so "should I admit this call" and "record the outcome" never race
// each other (spec.md §5 "Shared resources").
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	openedAt         time.Time
	halfOpenInFlight bool

	consecutiveFailures atomic.Int64
}

// New creates a closed Breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call should be permitted right now, and
// transitions open→half-open if the timeout has elapsed. Exactly one
// half-open probe is admitted at a time (spec.md §4.5).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.halfOpenInFlight {
			b.halfOpenInFlight = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures.Store(0)
	b.state = StateClosed
	b.halfOpenInFlight = false
}

// RecordFailure increments the failure counter and, once the threshold is
// reached (or immediately on a half-open probe failure), opens the
// breaker and restarts its timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
		b.open()
		return
	}

	n := b.consecutiveFailures.Add(1)
	if n >= int64(b.cfg.Threshold) {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.halfOpenInFlight = false
}

// State returns the current state (read-only snapshot).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure count.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.consecutiveFailures.Load())
}

// Open forces the breaker open for the given timeout (0 uses the
// configured default) — the manual `openCircuitBreaker` operation from
// spec.md §4.5.
func (b *Breaker) Open(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timeout > 0 {
		b.cfg.Timeout = timeout
	}
	b.open()
}

// Close forces the breaker closed — the manual `closeCircuitBreaker`
// operation.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.halfOpenInFlight = false
	b.consecutiveFailures.Store(0)
}

// Reset zeros counters without forcing a particular state — the manual
// `resetCircuitBreaker` operation.
func (b *Breaker) Reset() {
	b.consecutiveFailures.Store(0)
}

// IsOpen reports whether the breaker is currently rejecting calls (it does
// not perform the open→half-open transition check that Allow does — it's
// a pure read).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

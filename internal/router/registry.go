package router

import (
	"sync"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/breaker"
)

// BackendEntry is the router runtime entity from spec.md §4.6
// ("Router runtime entity — BackendInfo"). name is the stable registry
// key; adapter is the wrapped Backend.
type BackendEntry struct {
	name    string
	adapter adapter.Backend
	breaker *breaker.Breaker
	stats   *statsTracker

	mu              sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
	metadata        map[string]any
}

// Info is an immutable snapshot of a BackendEntry for external callers —
// spec.md's `{name, adapter, metadata, isHealthy, lastHealthCheck?,
// circuitBreakerState, consecutiveFailures, stats}`.
type Info struct {
	Name                string
	Metadata            map[string]any
	IsHealthy           bool
	LastHealthCheck     time.Time
	CircuitBreakerState breaker.State
	ConsecutiveFailures int
	Stats               BackendStats
}

func newBackendEntry(name string, a adapter.Backend, cfg breaker.Config, metadata map[string]any) *BackendEntry {
	return &BackendEntry{
		name:      name,
		adapter:   a,
		breaker:   breaker.New(cfg),
		stats:     newStatsTracker(),
		isHealthy: true,
		metadata:  metadata,
	}
}

func (e *BackendEntry) snapshot() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info{
		Name:                e.name,
		Metadata:            e.metadata,
		IsHealthy:           e.isHealthy,
		LastHealthCheck:     e.lastHealthCheck,
		CircuitBreakerState: e.breaker.State(),
		ConsecutiveFailures: e.breaker.ConsecutiveFailures(),
		Stats:               e.stats.snapshot(),
	}
}

func (e *BackendEntry) setHealthy(healthy bool, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isHealthy = healthy
	e.lastHealthCheck = at
}

// registry is a flat name-keyed store of BackendEntry, per spec.md §9
// "Cyclic references ... Represent as a flat registry keyed by name; any
// cross-reference resolves by lookup, not by pointer."
type registry struct {
	mu       sync.RWMutex
	order    []string // registration order, for tie-breaking and round-robin
	entries  map[string]*BackendEntry
}

func newRegistry() *registry {
	return &registry{entries: map[string]*BackendEntry{}}
}

func (r *registry) register(name string, a adapter.Backend, cfg breaker.Config, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = newBackendEntry(name, a, cfg, metadata)
}

func (r *registry) get(name string) (*BackendEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// all returns every entry in registration order.
func (r *registry) all() []*BackendEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*BackendEntry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// available returns entries marked healthy, in registration order.
// Circuit breaker state is deliberately NOT filtered here: a pinned
// selection (explicit / resolved model-based) must still be able to
// reach an open-breaker backend so the failure surfaces as
// adapter.CodeCircuitOpen from executeOne, not a misleading
// adapter.CodeNoBackend from selection. Strategies that should skip
// open-breaker backends (round-robin, random, cost/latency/capability,
// sticky, custom) filter breaker state themselves.
func (r *registry) available() []*BackendEntry {
	var out []*BackendEntry
	for _, e := range r.all() {
		e.mu.RLock()
		isHealthy := e.isHealthy
		e.mu.RUnlock()
		if isHealthy {
			out = append(out, e)
		}
	}
	return out
}

// excludingOpenBreaker filters candidates down to those whose circuit
// breaker is not currently open.
func excludingOpenBreaker(candidates []*BackendEntry) []*BackendEntry {
	var out []*BackendEntry
	for _, e := range candidates {
		if e.breaker.State() != breaker.StateOpen {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

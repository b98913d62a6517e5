package router

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// windowSize bounds the latency reservoir per backend — a windowed ring,
// not an unbounded history, per spec.md §4.6 "Statistics".
const windowSize = 256

// BackendStats is the per-backend counter/latency bundle from spec.md
// §4.6. All reads return a snapshot copy; mutation only happens through
// the stats tracker's own methods.
type BackendStats struct {
	Total       int64
	Successful  int64
	Failed      int64
	SuccessRate float64
	AvgLatency  time.Duration
	P50Latency  time.Duration
	P95Latency  time.Duration
	P99Latency  time.Duration
	TotalCost   float64
	AvgCost     float64
	hasCost     bool
}

type statsTracker struct {
	mu       sync.Mutex
	total    int64
	success  int64
	failed   int64
	totalCost float64
	costCount int64
	latencies []time.Duration // ring buffer, length capped at windowSize
	ringPos   int
}

func newStatsTracker() *statsTracker {
	return &statsTracker{}
}

func (t *statsTracker) recordSuccess(latency time.Duration, cost float64, hasCost bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.success++
	t.pushLatency(latency)
	if hasCost {
		t.totalCost += cost
		t.costCount++
	}
}

func (t *statsTracker) recordFailure(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.failed++
	t.pushLatency(latency)
}

func (t *statsTracker) pushLatency(d time.Duration) {
	if len(t.latencies) < windowSize {
		t.latencies = append(t.latencies, d)
		return
	}
	t.latencies[t.ringPos] = d
	t.ringPos = (t.ringPos + 1) % windowSize
}

func (t *statsTracker) snapshot() BackendStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := BackendStats{Total: t.total, Successful: t.success, Failed: t.failed}
	if t.total > 0 {
		s.SuccessRate = float64(t.success) / float64(t.total)
	}
	if t.costCount > 0 {
		s.hasCost = true
		s.TotalCost = t.totalCost
		s.AvgCost = t.totalCost / float64(t.costCount)
	}
	if len(t.latencies) == 0 {
		return s
	}

	sorted := append([]time.Duration(nil), t.latencies...)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	s.AvgLatency = sum / time.Duration(len(sorted))
	s.P50Latency = percentile(sorted, 0.50)
	s.P95Latency = percentile(sorted, 0.95)
	s.P99Latency = percentile(sorted, 0.99)
	return s
}

func (t *statsTracker) reset() BackendStats {
	snap := t.snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total, t.success, t.failed = 0, 0, 0
	t.totalCost, t.costCount = 0, 0
	t.latencies = nil
	t.ringPos = 0
	return snap
}

// percentile does a nearest-rank estimate over an already-sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GlobalStats is the router-wide aggregate from spec.md §4.6.
type GlobalStats struct {
	TotalRequests   int64
	Successful      int64
	Failed          int64
	TotalFallbacks  int64
	ParallelRequests int64
	BackendStats    map[string]BackendStats
	SinceTimestamp  time.Time
}

type globalTracker struct {
	mu              sync.Mutex
	totalRequests   int64
	successful      int64
	failed          int64
	totalFallbacks  int64
	parallelRequests int64
	since           time.Time
}

func newGlobalTracker() *globalTracker {
	return &globalTracker{since: time.Now()}
}

func (g *globalTracker) recordRequest(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalRequests++
	if success {
		g.successful++
	} else {
		g.failed++
	}
}

func (g *globalTracker) recordFallback() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalFallbacks++
}

func (g *globalTracker) recordParallel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.parallelRequests++
}

func (g *globalTracker) snapshot() (int64, int64, int64, int64, int64, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalRequests, g.successful, g.failed, g.totalFallbacks, g.parallelRequests, g.since
}

func (g *globalTracker) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalRequests, g.successful, g.failed = 0, 0, 0
	g.totalFallbacks, g.parallelRequests = 0, 0
	g.since = time.Now()
}

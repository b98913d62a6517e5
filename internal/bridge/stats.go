package bridge

import (
	"sort"
	"sync"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
)

// statsWindow bounds the latency reservoir used for percentile estimation,
// same bounded-ring approach as internal/router/stats.go.
const statsWindow = 256

// Stats is the bridge-level aggregate from spec.md §4.7 "Bridge
// aggregates success/failure counts, streaming count, latency
// percentiles, backend usage breakdown, and error breakdown keyed by
// error code."
type Stats struct {
	TotalRequests    int64
	Successful       int64
	Failed           int64
	StreamingRequests int64
	AvgLatency       time.Duration
	P50Latency       time.Duration
	P95Latency       time.Duration
	P99Latency       time.Duration
	BackendUsage     map[string]int64
	ErrorsByCode     map[adapter.Code]int64
	SinceTimestamp   time.Time
}

type statsTracker struct {
	mu sync.Mutex

	total      int64
	successful int64
	failed     int64
	streaming  int64
	since      time.Time

	latencies []time.Duration
	cursor    int

	backendUsage map[string]int64
	errorsByCode map[adapter.Code]int64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		since:        time.Now(),
		backendUsage: map[string]int64{},
		errorsByCode: map[adapter.Code]int64{},
	}
}

func (t *statsTracker) recordSuccess(backend string, latency time.Duration, streaming bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.successful++
	if streaming {
		t.streaming++
	}
	if backend != "" {
		t.backendUsage[backend]++
	}
	t.pushLatency(latency)
}

func (t *statsTracker) recordFailure(backend string, latency time.Duration, streaming bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.failed++
	if streaming {
		t.streaming++
	}
	if backend != "" {
		t.backendUsage[backend]++
	}
	t.errorsByCode[adapter.CodeOf(err)]++
	t.pushLatency(latency)
}

func (t *statsTracker) pushLatency(d time.Duration) {
	if len(t.latencies) < statsWindow {
		t.latencies = append(t.latencies, d)
		return
	}
	t.latencies[t.cursor] = d
	t.cursor = (t.cursor + 1) % statsWindow
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	sorted := append([]time.Duration(nil), t.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var avg time.Duration
	if len(sorted) > 0 {
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		avg = sum / time.Duration(len(sorted))
	}

	usage := make(map[string]int64, len(t.backendUsage))
	for k, v := range t.backendUsage {
		usage[k] = v
	}
	errs := make(map[adapter.Code]int64, len(t.errorsByCode))
	for k, v := range t.errorsByCode {
		errs[k] = v
	}

	return Stats{
		TotalRequests:     t.total,
		Successful:        t.successful,
		Failed:            t.failed,
		StreamingRequests: t.streaming,
		AvgLatency:        avg,
		P50Latency:        percentile(sorted, 0.50),
		P95Latency:        percentile(sorted, 0.95),
		P99Latency:        percentile(sorted, 0.99),
		BackendUsage:      usage,
		ErrorsByCode:      errs,
		SinceTimestamp:    t.since,
	}
}

func (t *statsTracker) reset() Stats {
	snap := t.snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total, t.successful, t.failed, t.streaming = 0, 0, 0, 0
	t.latencies = nil
	t.cursor = 0
	t.backendUsage = map[string]int64{}
	t.errorsByCode = map[adapter.Code]int64{}
	t.since = time.Now()
	return snap
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

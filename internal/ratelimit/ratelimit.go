// Package ratelimit implements the fixed-window request limiter and
// timing-safe credential validators from spec.md §6 "External
// interfaces".
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by an arbitrary caller key
// (remote address, API key, ...). Unlike a token bucket, a window resets
// in one jump at its boundary rather than leaking continuously — simpler
// to reason about for the per-tenant quotas this gateway enforces.
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	buckets   map[string]*bucket
}

type bucket struct {
	count      int
	windowEnds time.Time
}

// New returns a Limiter allowing max requests per window, per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{max: max, window: window, buckets: map[string]*bucket{}}
}

// Allow reports whether key may proceed, incrementing its window counter
// as a side effect.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(l.window)}
		l.buckets[key] = b
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

// Dispose drops key's bucket, freeing memory for callers that track keys
// with a bounded lifetime (e.g. per-connection identifiers).
func (l *Limiter) Dispose(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Check is the http.Handler-shaped entry point: it reports whether the
// request is within budget and, if not, has already written a 429
// response.
func (l *Limiter) Check(key string, w http.ResponseWriter) bool {
	if l.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", formatSeconds(l.window))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

package router

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
)

// healthChecker periodically probes every registered backend, updating
// isHealthy and advancing the circuit breaker on failure (spec.md §4.6
// "Health checks").
type healthChecker struct {
	reg      *registry
	interval time.Duration
	jitter   time.Duration // supplemented: spreads probes to avoid a thundering herd
	stop     chan struct{}
}

func newHealthChecker(reg *registry, interval time.Duration) *healthChecker {
	return &healthChecker{
		reg:      reg,
		interval: interval,
		jitter:   interval / 10,
		stop:     make(chan struct{}),
	}
}

// start launches the probe loop in a goroutine. It no-ops if interval<=0,
// mirroring spec.md's "If healthCheckInterval > 0".
func (h *healthChecker) start() {
	if h.interval <= 0 {
		return
	}
	go h.loop()
}

func (h *healthChecker) loop() {
	for {
		delay := h.interval
		if h.jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(h.jitter)))
		}
		select {
		case <-time.After(delay):
			h.probeAll()
		case <-h.stop:
			return
		}
	}
}

func (h *healthChecker) probeAll() {
	for _, e := range h.reg.all() {
		hc, ok := e.adapter.(adapter.HealthChecker)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := hc.HealthCheck(ctx)
		cancel()

		now := time.Now()
		if err != nil {
			e.setHealthy(false, now)
			e.breaker.RecordFailure()
			log.Printf("router: health check failed for backend %q: %v", e.name, err)
			continue
		}
		e.setHealthy(true, now)
	}
}

func (h *healthChecker) close() {
	close(h.stop)
}

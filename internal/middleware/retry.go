package middleware

import (
	"math"
	"math/rand"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// RetryConfig configures the retry middleware (spec.md §4.4 "Retry as
// middleware"). ShouldRetry is the SOLE decision of whether to try
// again; MaxAttempts is the sole bound on how many times — ShouldRetry
// must never itself impose a hidden cap (spec.md §8 property 8).
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	UseJitter         bool
	ShouldRetry       func(err error, attempt int) bool
}

func defaultShouldRetry(err error, attempt int) bool {
	ae, ok := adapter.AsError(err)
	if !ok {
		return false
	}
	if ae.IsRetryable {
		return true
	}
	switch ae.Code {
	case adapter.CodeRateLimit, adapter.CodeNetwork, adapter.CodeProvider:
		return true
	}
	return false
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = defaultShouldRetry
	}
	return c
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.UseJitter {
		// symmetric multiplicative jitter in [0.5x, 1.5x]
		factor := 0.5 + rand.Float64()
		d *= factor
	}
	return time.Duration(d)
}

// Retry returns a unary middleware that is the sole controller of attempt
// count for the call it wraps.
func Retry(cfg RetryConfig) UnaryMiddleware {
	cfg = cfg.withDefaults()
	return func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		var lastErr error
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			if ctx.Signal != nil && ctx.Signal.Err() != nil {
				return ir.ChatResponse{}, adapter.Wrap(adapter.CodeCancelled, "retry cancelled", false, ctx.Signal.Err())
			}
			resp, err := next(ctx)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if attempt == cfg.MaxAttempts || !cfg.ShouldRetry(err, attempt) {
				return ir.ChatResponse{}, err
			}
			delay := backoffDelay(cfg, attempt)
			if ctx.Signal != nil {
				select {
				case <-time.After(delay):
				case <-ctx.Signal.Done():
					return ir.ChatResponse{}, adapter.Wrap(adapter.CodeCancelled, "retry cancelled mid-delay", false, ctx.Signal.Err())
				}
			} else {
				time.Sleep(delay)
			}
		}
		return ir.ChatResponse{}, lastErr
	}
}

// RetryStream is the streaming analogue of Retry. Per spec.md §4.6, once
// content has been observed from a stream it is not retried — that
// non-idempotence rule is enforced by the router, not here; this
// middleware only covers the pre-first-chunk failure of obtaining the
// stream itself.
func RetryStream(cfg RetryConfig) StreamMiddleware {
	cfg = cfg.withDefaults()
	return func(ctx *Context, next StreamHandler) (<-chan ir.StreamChunk, error) {
		var lastErr error
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			stream, err := next(ctx)
			if err == nil {
				return stream, nil
			}
			lastErr = err
			if attempt == cfg.MaxAttempts || !cfg.ShouldRetry(err, attempt) {
				return nil, err
			}
			time.Sleep(backoffDelay(cfg, attempt))
		}
		return nil, lastErr
	}
}

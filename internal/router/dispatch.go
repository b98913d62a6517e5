package router

import (
	"context"
	"time"

	"github.com/nolanh/llmfabric/internal/ir"
)

// DispatchStrategy names one of dispatchParallel's aggregation modes
// (spec.md §4.6 "Parallel dispatch surface").
type DispatchStrategy string

const (
	DispatchFirst  DispatchStrategy = "first"
	DispatchAll    DispatchStrategy = "all"   // supplemented, see SPEC_FULL.md §4
	DispatchFastest DispatchStrategy = "fastest"
	DispatchCustom DispatchStrategy = "custom"
)

// CustomAggregator picks the winning response out of every completed
// attempt, for DispatchCustom.
type CustomAggregator func(attempts []DispatchAttempt) (ir.ChatResponse, error)

// DispatchAttempt records one backend's outcome in a parallel dispatch.
type DispatchAttempt struct {
	Backend  string
	Response ir.ChatResponse
	Err      error
	Latency  time.Duration
	Cancelled bool
}

// ParallelDispatchOptions configures dispatchParallel.
type ParallelDispatchOptions struct {
	Backends             []string // empty means every healthy backend
	Strategy             DispatchStrategy
	Timeout              time.Duration
	CancelOnFirstSuccess bool
	CustomAggregator     CustomAggregator
}

// ParallelDispatchResult is dispatchParallel's return value.
type ParallelDispatchResult struct {
	Response          ir.ChatResponse
	SuccessfulBackends []string
	FailedBackends     []DispatchAttempt
	Attempts           []DispatchAttempt
}

// dispatchParallel fires req at every entry in candidates concurrently
// and aggregates per opts.Strategy (spec.md §4.6, scenario S4).
func dispatchParallel(parent context.Context, candidates []*BackendEntry, req ir.ChatRequest, opts ParallelDispatchOptions, execute func(ctx context.Context, e *BackendEntry, req ir.ChatRequest) (ir.ChatResponse, error)) ParallelDispatchResult {
	ctx := parent
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	type outcome struct {
		attempt DispatchAttempt
	}
	results := make(chan outcome, len(candidates))

	for _, e := range candidates {
		go func(e *BackendEntry) {
			start := time.Now()
			resp, err := execute(ctx, e, req)
			latency := time.Since(start)
			cancelled := ctx.Err() != nil && err != nil
			results <- outcome{DispatchAttempt{Backend: e.name, Response: resp, Err: err, Latency: latency, Cancelled: cancelled}}
		}(e)
	}

	var attempts []DispatchAttempt
	sawSuccess := false

	for i := 0; i < len(candidates); i++ {
		o := <-results
		attempts = append(attempts, o.attempt)
		if o.attempt.Err == nil && !sawSuccess {
			sawSuccess = true
			if opts.CancelOnFirstSuccess && (opts.Strategy == DispatchFirst || opts.Strategy == "") {
				cancel()
			}
		}
	}

	return aggregate(attempts, opts)
}

func aggregate(attempts []DispatchAttempt, opts ParallelDispatchOptions) ParallelDispatchResult {
	var successful, failed []DispatchAttempt
	for _, a := range attempts {
		if a.Err == nil {
			successful = append(successful, a)
		} else if !a.Cancelled {
			// attempts cut off by cancellation stay in Attempts but are
			// not counted as failures.
			failed = append(failed, a)
		}
	}

	result := ParallelDispatchResult{Attempts: attempts, FailedBackends: failed}
	for _, s := range successful {
		result.SuccessfulBackends = append(result.SuccessfulBackends, s.Backend)
	}

	switch opts.Strategy {
	case DispatchCustom:
		if opts.CustomAggregator != nil {
			resp, err := opts.CustomAggregator(attempts)
			if err == nil {
				result.Response = resp
				return result
			}
		}
		fallthrough
	case DispatchFastest:
		var best *DispatchAttempt
		for i := range successful {
			if best == nil || successful[i].Latency < best.Latency {
				best = &successful[i]
			}
		}
		if best != nil {
			result.Response = best.Response
		}
	case DispatchAll, DispatchFirst, "":
		if len(successful) > 0 {
			// earliest-arriving success: attempts preserves arrival order.
			for _, a := range attempts {
				if a.Err == nil {
					result.Response = a.Response
					break
				}
			}
		}
	}
	return result
}

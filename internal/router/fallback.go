package router

import (
	"github.com/nolanh/llmfabric/internal/ir"
)

// FallbackStrategy names one of the fallback strategies from spec.md
// §4.6.
type FallbackStrategy string

const (
	FallbackNone       FallbackStrategy = "none"
	FallbackSequential FallbackStrategy = "sequential"
	// FallbackParallel is accepted by name, but nextFallback performs no
	// fallback for it, the same as FallbackNone; concurrent execution
	// across backends is available through Router.DispatchParallel.
	FallbackParallel   FallbackStrategy = "parallel"
	FallbackCustom     FallbackStrategy = "custom"
)

// CustomFallback chooses the next backend to try after failedBackend
// fails with err, given everything attempted so far and everything still
// available. A nil/empty return means "give up".
type CustomFallback func(req ir.ChatRequest, failedBackend string, err error, attempted []string, available []Info) string

// fallbackChain builds the sequential fallback order: registration order
// minus whatever has already been tried, per spec.md §4.6 "sequential:
// ... the chain defaults to registration order minus the already-tried
// backends."
func fallbackChain(all []*BackendEntry, tried map[string]bool) []*BackendEntry {
	var out []*BackendEntry
	for _, e := range all {
		if !tried[e.name] {
			out = append(out, e)
		}
	}
	return out
}

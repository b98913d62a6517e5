package router

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/dgryski/go-rendezvous"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/script"
	"github.com/nolanh/llmfabric/internal/semantic"
)

// Strategy names one of the selection strategies from spec.md §4.6.
type Strategy string

const (
	StrategyExplicit        Strategy = "explicit"
	StrategyModelBased      Strategy = "model-based"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyRandom          Strategy = "random"
	StrategyCostOptimized   Strategy = "cost-optimized"
	StrategyLatencyOptimized Strategy = "latency-optimized"
	StrategyCapabilityBased Strategy = "capability-based"
	StrategyCustom          Strategy = "custom"
	// StrategySticky is a supplemented strategy (see SPEC_FULL.md §3):
	// rendezvous hashing over a stable key, minimizing remapping when the
	// backend set changes.
	StrategySticky Strategy = "sticky"
)

// PatternMapping is one entry of modelPatternMappings, ordered by
// Priority descending, first regex match wins (spec.md §4.6
// "model-based").
type PatternMapping struct {
	Pattern  *regexp.Regexp
	Backend  string
	Priority int
}

// WeightPreset names one of the capability-based scoring presets.
type WeightPreset string

const (
	WeightCost    WeightPreset = "cost"
	WeightSpeed   WeightPreset = "speed"
	WeightQuality WeightPreset = "quality"
	WeightBalanced WeightPreset = "balanced"
)

// Weights are the (w_cost, w_speed, w_quality) triple used by
// capability-based scoring; must sum to 1.0 when caller-supplied.
type Weights struct {
	Cost    float64
	Speed   float64
	Quality float64
}

func presetWeights(p WeightPreset) Weights {
	switch p {
	case WeightCost:
		return Weights{Cost: 0.7, Speed: 0.15, Quality: 0.15}
	case WeightSpeed:
		return Weights{Cost: 0.15, Speed: 0.7, Quality: 0.15}
	case WeightQuality:
		return Weights{Cost: 0.15, Speed: 0.15, Quality: 0.7}
	default: // balanced
		return Weights{Cost: 1.0 / 3, Speed: 1.0 / 3, Quality: 1.0 / 3}
	}
}

// CustomSelector is the caller function for StrategyCustom — receives the
// request, the currently available (healthy) backends, and a context
// exposing stats by name.
type CustomSelector func(req ir.ChatRequest, available []Info, statsByName map[string]Info) (string, error)

// SelectionConfig configures Selector.
type SelectionConfig struct {
	Strategy        Strategy
	DefaultBackend  string
	ModelMapping    map[string]string // exact requestedModel -> backend
	PatternMappings []PatternMapping
	FallbackStrategyWhenModelUnresolved Strategy

	WeightPreset   WeightPreset
	CustomWeights  *Weights
	CapabilityVectors map[string]semantic.FeatureVector // backend -> declared capability vector
	RequirementVector semantic.FeatureVector             // request -> requirement vector, caller-supplied

	Custom      CustomSelector
	CustomScript *script.SelectionScript
	StickyKeyFn func(req ir.ChatRequest) string
}

// Selector holds the round-robin counter (must be shared across calls,
// spec.md S2) and dispatches to the configured strategy.
type Selector struct {
	cfg     SelectionConfig
	rrCount atomic.Uint64
}

// NewSelector builds a Selector for cfg.
func NewSelector(cfg SelectionConfig) *Selector {
	if cfg.WeightPreset == "" {
		cfg.WeightPreset = WeightBalanced
	}
	return &Selector{cfg: cfg}
}

// Select picks one backend name from candidates (already filtered to
// healthy entries) for req. Explicit selection and model-based mapping
// hits do not look at breaker state; the other strategies skip
// open-breaker entries. explicitBackend is the per-request override
// (options.backend), if any.
func (s *Selector) Select(ctx context.Context, req ir.ChatRequest, candidates []*BackendEntry, explicitBackend string) (string, error) {
	if len(candidates) == 0 {
		return "", adapter.New(adapter.CodeNoBackend, "no healthy backend available", false)
	}

	switch s.cfg.Strategy {
	case StrategyExplicit:
		return s.selectExplicit(candidates, explicitBackend)
	case StrategyModelBased:
		return s.selectModelBased(req, candidates, explicitBackend)
	case StrategyRoundRobin:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectRoundRobin(open), nil
	case StrategyRandom:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectRandom(open), nil
	case StrategyCostOptimized:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectByMinStat(open, func(i Info) float64 { return i.Stats.AvgCost }), nil
	case StrategyLatencyOptimized:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectByMinStat(open, func(i Info) float64 { return float64(i.Stats.AvgLatency) }), nil
	case StrategyCapabilityBased:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectCapabilityBased(open), nil
	case StrategySticky:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectSticky(req, open)
	case StrategyCustom:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectCustom(req, open)
	default:
		open := excludingOpenBreaker(candidates)
		if len(open) == 0 {
			return "", adapter.New(adapter.CodeNoBackend, "no backend with a closed or half-open circuit", false)
		}
		return s.selectRoundRobin(open), nil
	}
}

func (s *Selector) selectExplicit(candidates []*BackendEntry, explicitBackend string) (string, error) {
	want := explicitBackend
	if want == "" {
		want = s.cfg.DefaultBackend
	}
	if want == "" {
		return "", adapter.New(adapter.CodeNoBackend, "explicit strategy requires options.backend or a defaultBackend", false)
	}
	for _, c := range candidates {
		if c.name == want {
			return want, nil
		}
	}
	return "", adapter.New(adapter.CodeNoBackend, fmt.Sprintf("explicit backend %q is not healthy or not registered", want), false)
}

func (s *Selector) selectModelBased(req ir.ChatRequest, candidates []*BackendEntry, explicitBackend string) (string, error) {
	model := req.Parameters.Model
	if backend, ok := s.cfg.ModelMapping[model]; ok {
		if containsName(candidates, backend) {
			return backend, nil
		}
	}

	matches := append([]PatternMapping(nil), s.cfg.PatternMappings...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })
	for _, m := range matches {
		if m.Pattern.MatchString(model) && containsName(candidates, m.Backend) {
			return m.Backend, nil
		}
	}

	fallback := s.cfg.FallbackStrategyWhenModelUnresolved
	if fallback == "" || fallback == StrategyModelBased {
		fallback = StrategyRoundRobin
	}
	sub := *s
	sub.cfg.Strategy = fallback
	return sub.Select(context.Background(), req, candidates, explicitBackend)
}

func containsName(candidates []*BackendEntry, name string) bool {
	for _, c := range candidates {
		if c.name == name {
			return true
		}
	}
	return false
}

func (s *Selector) selectRoundRobin(candidates []*BackendEntry) string {
	n := s.rrCount.Add(1) - 1
	idx := int(n % uint64(len(candidates)))
	return candidates[idx].name
}

func (s *Selector) selectRandom(candidates []*BackendEntry) string {
	idx := rand.Intn(len(candidates))
	return candidates[idx].name
}

func (s *Selector) selectByMinStat(candidates []*BackendEntry, statOf func(Info) float64) string {
	best := candidates[0]
	bestVal := statOf(best.snapshot())
	for _, c := range candidates[1:] {
		v := statOf(c.snapshot())
		if v < bestVal {
			best, bestVal = c, v
		}
	}
	return best.name
}

func (s *Selector) selectCapabilityBased(candidates []*BackendEntry) string {
	weights := presetWeights(s.cfg.WeightPreset)
	if s.cfg.CustomWeights != nil {
		weights = *s.cfg.CustomWeights
	}

	var best *BackendEntry
	var bestScore float64 = -1
	for _, c := range candidates {
		info := c.snapshot()
		costTerm := 1.0
		if info.Stats.hasCost && info.Stats.AvgCost > 0 {
			costTerm = 1.0 / (1.0 + info.Stats.AvgCost)
		}
		speedTerm := 1.0
		if info.Stats.AvgLatency > 0 {
			speedTerm = 1.0 / (1.0 + info.Stats.AvgLatency.Seconds())
		}
		quality := 0.0
		if s.cfg.RequirementVector != nil {
			if vec, ok := s.cfg.CapabilityVectors[c.name]; ok {
				quality = float64(semantic.CosineSimilarity(s.cfg.RequirementVector, vec))
			}
		}
		score := weights.Cost*costTerm + weights.Speed*speedTerm + weights.Quality*quality
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best.name
}

func (s *Selector) selectSticky(req ir.ChatRequest, candidates []*BackendEntry) (string, error) {
	key := req.Metadata.RequestID
	if s.cfg.StickyKeyFn != nil {
		key = s.cfg.StickyKeyFn(req)
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	hasher := rendezvous.New(names, hashString)
	return hasher.Lookup(key), nil
}

func hashString(s string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (s *Selector) selectCustom(req ir.ChatRequest, candidates []*BackendEntry) (string, error) {
	infos := make([]Info, len(candidates))
	statsByName := make(map[string]Info, len(candidates))
	for i, c := range candidates {
		info := c.snapshot()
		infos[i] = info
		statsByName[c.name] = info
	}

	if s.cfg.Custom != nil {
		return s.cfg.Custom(req, infos, statsByName)
	}
	if s.cfg.CustomScript != nil {
		cands := make([]script.BackendCandidate, len(infos))
		for i, info := range infos {
			cands[i] = script.BackendCandidate{
				Name:         info.Name,
				Healthy:      info.IsHealthy,
				AvgLatencyMs: float64(info.Stats.AvgLatency.Milliseconds()),
				SuccessRate:  info.Stats.SuccessRate,
				CostPerToken: info.Stats.AvgCost,
			}
		}
		name, err := s.cfg.CustomScript.Select(cands)
		if err != nil {
			return "", adapter.Wrap(adapter.CodeNoBackend, "custom selection script failed", false, err)
		}
		if name == "" || !containsName(candidates, name) {
			return "", adapter.New(adapter.CodeNoBackend, "custom selection script returned no usable backend", false)
		}
		return name, nil
	}
	return "", adapter.New(adapter.CodeNoBackend, "custom strategy requires Custom or CustomScript", false)
}

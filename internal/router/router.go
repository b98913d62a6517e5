// Package router implements spec.md §4.6: a flat name-keyed registry of
// backend adapters, selection and fallback strategies, model translation,
// parallel dispatch, per-backend circuit breakers, statistics, and
// periodic health checks. A Router is itself an adapter.Backend — "the
// router is itself a backend adapter to the outside, a recursive
// abstraction" (spec.md §9).
package router

import (
	"context"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/breaker"
	"github.com/nolanh/llmfabric/internal/cache"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/metrics"
	"github.com/nolanh/llmfabric/internal/normalize"
)

// Config configures a Router.
type Config struct {
	Selection        SelectionConfig
	Fallback         FallbackStrategy
	CustomFallback   CustomFallback
	Translation      TranslationConfig
	BreakerConfig    breaker.Config
	HealthCheckInterval time.Duration
	ModelCache       *cache.ModelCache
	Metrics          *metrics.Registry

	// OnFallback, if set, is called each time nextFallback actually
	// selects a replacement backend — the bridge uses this to surface a
	// backend:failover event (spec.md §4.7) at the layer that actually
	// knows it happened.
	OnFallback func(from, to string)
}

var _ adapter.Backend = (*Router)(nil)

// Router multiplexes IR requests across registered backends.
type Router struct {
	cfg      Config
	reg      *registry
	selector *Selector
	stats    *globalTracker
	health   *healthChecker
}

// New builds a Router. Call RegisterBackend for each backend before
// serving traffic, then Start to launch health checks (if configured).
func New(cfg Config) *Router {
	reg := newRegistry()
	return &Router{
		cfg:      cfg,
		reg:      reg,
		selector: NewSelector(cfg.Selection),
		stats:    newGlobalTracker(),
		health:   newHealthChecker(reg, cfg.HealthCheckInterval),
	}
}

// SetOnFallback installs the fallback hook after construction — used by
// internal/bridge, which builds its event bus after the router already
// exists. Call before Start(); not safe to change concurrently with
// in-flight requests.
func (r *Router) SetOnFallback(fn func(from, to string)) {
	r.cfg.OnFallback = fn
}

// RegisterBackend adds a backend under name. Registration order is
// significant: it's the round-robin order and the default fallback
// chain order.
func (r *Router) RegisterBackend(name string, a adapter.Backend, metadata map[string]any) {
	r.reg.register(name, a, r.cfg.BreakerConfig, metadata)
}

// Start launches the health-check loop, if configured.
func (r *Router) Start() {
	r.health.start()
}

// Stop halts the health-check loop.
func (r *Router) Stop() {
	r.health.close()
}

// Name satisfies adapter.Backend; a Router's own name is fixed, since
// callers address it as a single composite backend.
func (r *Router) Name() string { return "router" }

// FromIR and ToIR are not meaningful at the router level — each member
// backend performs its own wire translation. A Router is consumed
// through Execute/ExecuteStream, which dispatch to a member's FromIR/ToIR
// internally.
func (r *Router) FromIR(req ir.ChatRequest) (any, error) {
	return req, nil
}

func (r *Router) ToIR(wireResponse any) (ir.ChatResponse, error) {
	resp, _ := wireResponse.(ir.ChatResponse)
	return resp, nil
}

// Capabilities combines every registered backend's capabilities
// conservatively: Streaming, MultiModal, Tools and JSON are true only if
// every member declares them, and MaxContextTokens takes the smallest
// declared value, so the router never advertises more than its weakest
// member. Other fields come from the first registered backend.
func (r *Router) Capabilities() ir.Capabilities {
	entries := r.reg.all()
	if len(entries) == 0 {
		return ir.Capabilities{}
	}
	caps := entries[0].adapter.Capabilities()
	for _, e := range entries[1:] {
		c := e.adapter.Capabilities()
		caps.Streaming = caps.Streaming && c.Streaming
		caps.MultiModal = caps.MultiModal && c.MultiModal
		caps.Tools = caps.Tools && c.Tools
		caps.JSON = caps.JSON && c.JSON
		if c.MaxContextTokens > 0 && (caps.MaxContextTokens == 0 || c.MaxContextTokens < caps.MaxContextTokens) {
			caps.MaxContextTokens = c.MaxContextTokens
		}
	}
	return caps
}

// Info returns a snapshot of every registered backend's runtime state.
func (r *Router) Info() []Info {
	var out []Info
	for _, e := range r.reg.all() {
		out = append(out, e.snapshot())
	}
	return out
}

// GlobalStats returns the router-wide stats snapshot.
func (r *Router) GlobalStats() GlobalStats {
	total, success, failed, fallbacks, parallel, since := r.stats.snapshot()
	byName := map[string]BackendStats{}
	for _, e := range r.reg.all() {
		byName[e.name] = e.stats.snapshot()
	}
	return GlobalStats{
		TotalRequests: total, Successful: success, Failed: failed,
		TotalFallbacks: fallbacks, ParallelRequests: parallel,
		BackendStats: byName, SinceTimestamp: since,
	}
}

// ResetStats snapshots and clears every counter, per spec.md §4.6
// "resetStats() snapshots and clears."
func (r *Router) ResetStats() GlobalStats {
	snap := r.GlobalStats()
	r.stats.reset()
	for _, e := range r.reg.all() {
		e.stats.reset()
	}
	return snap
}

// OpenCircuitBreaker forces backend name's breaker open.
func (r *Router) OpenCircuitBreaker(name string, timeout time.Duration) error {
	e, ok := r.reg.get(name)
	if !ok {
		return adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}
	e.breaker.Open(timeout)
	r.cfg.Metrics.SetBreakerState(name, string(e.breaker.State()))
	return nil
}

// CloseCircuitBreaker forces backend name's breaker closed.
func (r *Router) CloseCircuitBreaker(name string) error {
	e, ok := r.reg.get(name)
	if !ok {
		return adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}
	e.breaker.Close()
	r.cfg.Metrics.SetBreakerState(name, string(e.breaker.State()))
	return nil
}

// ResetCircuitBreaker zeros name's failure counter without forcing a state.
func (r *Router) ResetCircuitBreaker(name string) error {
	e, ok := r.reg.get(name)
	if !ok {
		return adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}
	e.breaker.Reset()
	return nil
}

// IsCircuitBreakerOpen is a pure read of name's breaker state.
func (r *Router) IsCircuitBreakerOpen(name string) (bool, error) {
	e, ok := r.reg.get(name)
	if !ok {
		return false, adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}
	return e.breaker.IsOpen(), nil
}

func modelCacheKey(backend string) string { return "models:" + backend }

// ListModels lazily calls backend name's adapter.ListModels, caching the
// result in cfg.ModelCache and honoring opts.ForceRefresh (spec.md §4.6
// "listModels", supplemented per SPEC_FULL.md). Backends that don't
// implement adapter.ModelLister report adapter.CodeUnsupported.
func (r *Router) ListModels(ctx context.Context, name string, opts adapter.ListModelsOptions) (adapter.ListModelsResult, error) {
	e, ok := r.reg.get(name)
	if !ok {
		return adapter.ListModelsResult{}, adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}

	lister, ok := e.adapter.(adapter.ModelLister)
	if !ok {
		return adapter.ListModelsResult{}, adapter.New(adapter.CodeUnsupported, name+" does not support listModels", false)
	}

	key := modelCacheKey(name)
	if !opts.ForceRefresh && r.cfg.ModelCache != nil {
		var cached adapter.ListModelsResult
		if hit, err := r.cfg.ModelCache.Get(ctx, key, &cached); err == nil && hit {
			cached.Source = adapter.ModelSourceCache
			return cached, nil
		}
	}

	result, err := lister.ListModels(ctx, opts)
	if err != nil {
		return adapter.ListModelsResult{}, err
	}
	if r.cfg.ModelCache != nil {
		_ = r.cfg.ModelCache.Set(ctx, key, result)
	}
	return result, nil
}

// InvalidateModelCache drops name's cached listModels result, if any, and
// tells the backend itself to drop whatever it may have cached
// internally too.
func (r *Router) InvalidateModelCache(ctx context.Context, name string) error {
	e, ok := r.reg.get(name)
	if !ok {
		return adapter.New(adapter.CodeNoBackend, "unknown backend "+name, false)
	}
	if lister, ok := e.adapter.(adapter.ModelLister); ok {
		lister.InvalidateModelCache("")
	}
	if r.cfg.ModelCache == nil {
		return nil
	}
	return r.cfg.ModelCache.Invalidate(ctx, modelCacheKey(name))
}

type selectOptions struct {
	explicitBackend string
}

// RequestOption customizes a single Execute/ExecuteStream call.
type RequestOption func(*selectOptions)

// WithBackend pins a request to a specific backend (options.backend in
// spec.md's selection strategies).
func WithBackend(name string) RequestOption {
	return func(o *selectOptions) { o.explicitBackend = name }
}

// Execute satisfies adapter.Backend: selects a backend (honoring
// fallback) and runs req unary with no per-request overrides. Callers
// that need WithBackend or other RequestOptions use ExecuteWithOptions
// directly — the bridge falls back to this plain form when it only has
// an adapter.Backend handle on the router.
func (r *Router) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	return r.ExecuteWithOptions(ctx, req)
}

// ExecuteWithOptions is Execute plus per-request RequestOptions (spec.md
// §4.6 selection "options.backend" override).
func (r *Router) ExecuteWithOptions(ctx context.Context, req ir.ChatRequest, opts ...RequestOption) (ir.ChatResponse, error) {
	var so selectOptions
	for _, o := range opts {
		o(&so)
	}

	tried := map[string]bool{}
	var lastErr error
	firstAttempt := true
	var pinned *BackendEntry

	for {
		var name string
		var err error
		if pinned != nil {
			name = pinned.name
		} else {
			name, err = r.selector.Select(ctx, req, r.reg.available(), so.explicitBackend)
		}
		if err != nil {
			if lastErr != nil {
				return ir.ChatResponse{}, lastErr
			}
			return ir.ChatResponse{}, err
		}

		entry, _ := r.reg.get(name)
		resp, execErr := r.executeOne(ctx, entry, req, firstAttempt)
		firstAttempt = false
		if execErr == nil {
			for _, w := range req.Metadata.Warnings {
				resp.Metadata = resp.Metadata.WithWarning(w)
			}
			r.stats.recordRequest(true)
			r.cfg.Metrics.ObserveRequest(name, "success")
			return resp, nil
		}

		lastErr = execErr
		tried[name] = true
		r.stats.recordRequest(false)
		r.cfg.Metrics.ObserveRequest(name, "error")

		if !adapter.IsRetryable(execErr) {
			return ir.ChatResponse{}, execErr
		}

		next := r.nextFallback(ctx, req, name, execErr, tried)
		if next == nil {
			return ir.ChatResponse{}, execErr
		}
		r.stats.recordFallback()
		r.cfg.Metrics.ObserveFallback(name)
		pinned = next.entry
		req = next.translatedRequest
	}
}

type fallbackTarget struct {
	entry             *BackendEntry
	translatedRequest ir.ChatRequest
}

// nextFallback resolves the next backend to try after failedBackend
// fails, per the configured FallbackStrategy, applying model translation.
func (r *Router) nextFallback(ctx context.Context, req ir.ChatRequest, failedBackend string, err error, tried map[string]bool) *fallbackTarget {
	if r.cfg.Fallback == "" || r.cfg.Fallback == FallbackNone {
		return nil
	}

	var candidate *BackendEntry
	switch r.cfg.Fallback {
	case FallbackSequential:
		chain := fallbackChain(excludingOpenBreaker(r.reg.available()), tried)
		if len(chain) == 0 {
			return nil
		}
		candidate = chain[0]
	case FallbackCustom:
		if r.cfg.CustomFallback == nil {
			return nil
		}
		infos := make([]Info, 0, len(r.reg.all()))
		for _, e := range r.reg.all() {
			infos = append(infos, e.snapshot())
		}
		attempted := make([]string, 0, len(tried))
		for name := range tried {
			attempted = append(attempted, name)
		}
		name := r.cfg.CustomFallback(req, failedBackend, err, attempted, infos)
		if name == "" {
			return nil
		}
		e, ok := r.reg.get(name)
		if !ok {
			return nil
		}
		candidate = e
	default:
		return nil
	}

	translated, terr := applyTranslation(req, r.cfg.Translation, candidate.name, func(model string) bool {
		return candidate.adapter.Capabilities().SupportsModel(model)
	})
	if terr != nil {
		return nil
	}
	if r.cfg.OnFallback != nil {
		r.cfg.OnFallback(failedBackend, candidate.name)
	}
	return &fallbackTarget{entry: candidate, translatedRequest: translated}
}

// prepareForBackend runs the frontend->backend parameter pipeline and
// system-message re-projection (spec.md §4.2) against entry's declared
// capabilities, right before a call actually reaches it — the one place
// in the router that knows both the request and the specific member
// backend's Capabilities().
func prepareForBackend(req ir.ChatRequest, entry *BackendEntry) ir.ChatRequest {
	caps := entry.adapter.Capabilities()

	params, warns := normalize.Parameters(req.Parameters, caps, normalize.ParameterDefaults{})
	req.Parameters = params
	for _, w := range warns {
		req.Metadata = req.Metadata.WithWarning(w)
	}

	// Backends declaring SystemSeparateParameter already pull system-role
	// messages out of req.Messages themselves (they accept a system
	// prompt as a side channel, same shape SystemMessages would produce);
	// re-projection only has work to do for the strategies that actually
	// change the message list.
	if caps.SystemMessageStrategy != ir.SystemSeparateParameter {
		sys := normalize.SystemMessages(req.Messages, caps)
		req.Messages = sys.Messages
		for _, w := range sys.Warnings {
			req.Metadata = req.Metadata.WithWarning(w)
		}
	}
	return req
}

// executeOne runs req against entry, honoring its circuit breaker.
func (r *Router) executeOne(ctx context.Context, entry *BackendEntry, req ir.ChatRequest, _ bool) (ir.ChatResponse, error) {
	if !entry.breaker.Allow() {
		return ir.ChatResponse{}, adapter.New(adapter.CodeCircuitOpen, "circuit breaker open for backend "+entry.name, false)
	}

	req = prepareForBackend(req, entry)

	start := time.Now()
	resp, err := entry.adapter.Execute(ctx, req)
	latency := time.Since(start)
	r.cfg.Metrics.ObserveDuration(entry.name, latency.Seconds())

	if err != nil {
		entry.breaker.RecordFailure()
		if entry.breaker.State() == breaker.StateOpen {
			r.cfg.Metrics.ObserveBreakerTrip(entry.name)
		}
		r.cfg.Metrics.SetBreakerState(entry.name, string(entry.breaker.State()))
		entry.stats.recordFailure(latency)
		return ir.ChatResponse{}, err
	}

	entry.breaker.RecordSuccess()
	r.cfg.Metrics.SetBreakerState(entry.name, string(entry.breaker.State()))
	cost, hasCost := 0.0, false
	if ce, ok := entry.adapter.(adapter.CostEstimator); ok {
		cost, hasCost = ce.EstimateCost(req, resp.Usage)
	}
	entry.stats.recordSuccess(latency, cost, hasCost)
	resp.Metadata.Provenance.Backend = entry.name
	resp.Metadata.Provenance.Router = "router"
	return resp, nil
}

// ExecuteStream selects a backend and opens its chunk sequence. If the
// backend's ExecuteStream call itself fails with a retryable error, the
// call moves on to the next fallback backend. Once a stream is open, no
// chunk is retried: an error chunk, whether it arrives before or after
// the first content chunk, is passed to the caller as is.
func (r *Router) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	return r.ExecuteStreamWithOptions(ctx, req)
}

// ExecuteStreamWithOptions is ExecuteStream plus per-request RequestOptions.
func (r *Router) ExecuteStreamWithOptions(ctx context.Context, req ir.ChatRequest, opts ...RequestOption) (<-chan ir.StreamChunk, error) {
	var so selectOptions
	for _, o := range opts {
		o(&so)
	}

	tried := map[string]bool{}
	var pinned *BackendEntry

	for {
		var name string
		var err error
		if pinned != nil {
			name = pinned.name
		} else {
			name, err = r.selector.Select(ctx, req, r.reg.available(), so.explicitBackend)
		}
		if err != nil {
			return nil, err
		}
		entry, _ := r.reg.get(name)

		if !entry.breaker.Allow() {
			// circuit_open is non-retryable (spec.md §7): it short-circuits
			// fallback the same way it does in Execute.
			return nil, adapter.New(adapter.CodeCircuitOpen, "circuit breaker open for backend "+name, false)
		}

		stream, err := entry.adapter.ExecuteStream(ctx, prepareForBackend(req, entry))
		if err != nil {
			entry.breaker.RecordFailure()
			tried[name] = true
			if !adapter.IsRetryable(err) {
				return nil, err
			}
			next := r.nextFallback(ctx, req, name, err, tried)
			if next == nil {
				return nil, err
			}
			pinned = next.entry
			req = next.translatedRequest
			continue
		}

		return r.wrapStreamForBreaker(entry, stream), nil
	}
}

// DispatchParallel fires req at the given (or every healthy) backend
// concurrently and aggregates per opts.Strategy — spec.md §4.6 "Parallel
// dispatch surface", scenario S4.
func (r *Router) DispatchParallel(ctx context.Context, req ir.ChatRequest, opts ParallelDispatchOptions) ParallelDispatchResult {
	r.stats.recordParallel()

	var candidates []*BackendEntry
	if len(opts.Backends) > 0 {
		for _, name := range opts.Backends {
			if e, ok := r.reg.get(name); ok {
				candidates = append(candidates, e)
			}
		}
	} else {
		candidates = r.reg.available()
	}

	return dispatchParallel(ctx, candidates, req, opts, func(ctx context.Context, e *BackendEntry, req ir.ChatRequest) (ir.ChatResponse, error) {
		return r.executeOne(ctx, e, req, true)
	})
}

// wrapStreamForBreaker tees the backend's chunk sequence through a
// relay goroutine so the breaker sees success/failure once the stream
// closes, without the caller needing to know that.
func (r *Router) wrapStreamForBreaker(entry *BackendEntry, in <-chan ir.StreamChunk) <-chan ir.StreamChunk {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		sawError := false
		for chunk := range in {
			if chunk.Type == ir.ChunkError {
				sawError = true
			}
			out <- chunk
		}
		if sawError {
			entry.breaker.RecordFailure()
		} else {
			entry.breaker.RecordSuccess()
		}
		r.cfg.Metrics.SetBreakerState(entry.name, string(entry.breaker.State()))
	}()
	return out
}

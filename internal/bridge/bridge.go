// Package bridge implements spec.md §4.7: the single entry point tying one
// frontend adapter to a backend (or router) through an owned middleware
// stack, with requestId generation, an event bus, per-request overrides,
// and bridge-level retry layered on top of whatever retry the backend or
// router already performs.
package bridge

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/middleware"
	"github.com/nolanh/llmfabric/internal/router"
)

// RetryConfig is the bridge-level retry layer — orthogonal to, and on top
// of, any retry already performed inside middleware or the router
// (spec.md §4.7 "Bridge-level retry layers on top of backend retry").
// Setting MaxAttempts to 0 (the zero value) disables it: the call runs
// exactly once through the bridge's own loop.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	ShouldRetry func(err error, attempt int) bool
}

func (c RetryConfig) disabled() bool { return c.MaxAttempts <= 0 }

func defaultBridgeShouldRetry(err error, _ int) bool {
	return adapter.IsRetryable(err)
}

// Config configures a Bridge.
type Config struct {
	Frontend adapter.Frontend
	Backend  adapter.Backend // a single backend adapter, or a *router.Router
	Stack    *middleware.Stack

	// AutoRequestID stamps a fresh requestId onto any request that
	// arrives without one (spec.md §4.7).
	AutoRequestID bool
	Retry         RetryConfig
	Events        *EventBus
}

// Bridge is the caller-facing object from spec.md §9 GLOSSARY: "binding
// one frontend to one backend/router with a middleware stack."
type Bridge struct {
	cfg   Config
	stack *middleware.Stack
	stats *statsTracker
}

// New builds a Bridge. A nil Stack is replaced with an empty one; a nil
// Events bus is replaced with a fresh one so callers can always call On.
func New(cfg Config) *Bridge {
	if cfg.Stack == nil {
		cfg.Stack = middleware.New()
	}
	if cfg.Events == nil {
		cfg.Events = NewEventBus()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = defaultBridgeShouldRetry
	}
	b := &Bridge{cfg: cfg, stack: cfg.Stack, stats: newStatsTracker()}
	if r, ok := cfg.Backend.(*router.Router); ok {
		r.SetOnFallback(func(from, to string) {
			b.cfg.Events.Emit(Event{Type: EventBackendFailover, Backend: to, Data: map[string]any{"from": from}})
		})
	}
	return b
}

// On registers an event listener; see EventBus.On.
func (b *Bridge) On(typ EventType, l Listener) Disposer { return b.cfg.Events.On(typ, l) }

// Once registers a self-removing event listener; see EventBus.Once.
func (b *Bridge) Once(typ EventType, l Listener) Disposer { return b.cfg.Events.Once(typ, l) }

// Stats returns the current aggregate snapshot.
func (b *Bridge) Stats() Stats { return b.stats.snapshot() }

// ResetStats snapshots and clears the aggregate, per the same
// snapshot-then-clear discipline as router.ResetStats.
func (b *Bridge) ResetStats() Stats { return b.stats.reset() }

// CallOptions are the per-request overrides from spec.md §4.7: "honor
// per-request timeout, signal, skipMiddleware, and backend overrides."
type CallOptions struct {
	Timeout        time.Duration
	Signal         context.Context
	SkipMiddleware bool
	Backend        string // pins selection when the composite backend is a *router.Router
}

// CallOption mutates a CallOptions; functional-options mirrors
// router.RequestOption for the same per-request-override concern.
type CallOption func(*CallOptions)

func WithTimeout(d time.Duration) CallOption { return func(o *CallOptions) { o.Timeout = d } }
func WithSignal(ctx context.Context) CallOption {
	return func(o *CallOptions) { o.Signal = ctx }
}
func WithSkipMiddleware() CallOption { return func(o *CallOptions) { o.SkipMiddleware = true } }
func WithBackend(name string) CallOption { return func(o *CallOptions) { o.Backend = name } }

func resolveOptions(opts []CallOption) CallOptions {
	var o CallOptions
	for _, f := range opts {
		f(&o)
	}
	return o
}

// prepare stamps requestId/timestamp (if AutoRequestID and absent) and
// derives the effective context from ctx, opts.Signal, and opts.Timeout.
func (b *Bridge) prepare(ctx context.Context, req ir.ChatRequest, opts CallOptions) (ir.ChatRequest, context.Context, context.CancelFunc) {
	if b.cfg.AutoRequestID && req.Metadata.RequestID == "" {
		req.Metadata.RequestID = uuid.NewString()
	}
	if req.Metadata.Timestamp.IsZero() {
		req.Metadata.Timestamp = time.Now()
	}

	effective := ctx
	if opts.Signal != nil {
		effective = opts.Signal
	}
	var cancel context.CancelFunc = func() {}
	if opts.Timeout > 0 {
		effective, cancel = context.WithTimeout(effective, opts.Timeout)
	}
	return req, effective, cancel
}

// Chat runs a unary request to IR and back through payload, per spec.md
// §4.7's data-flow: frontend.toIR → middleware → backend/router →
// frontend.fromIR.
func (b *Bridge) Chat(ctx context.Context, payload []byte, opts ...CallOption) ([]byte, error) {
	req, err := b.cfg.Frontend.ToIR(payload)
	if err != nil {
		return nil, err
	}
	resp, err := b.ChatIR(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return b.cfg.Frontend.FromIR(resp)
}

// ChatIR is Chat without the frontend payload round-trip — the entry
// point for in-process callers (e.g. the HTTP surface, which already has
// an ir.ChatRequest after its own path-routed frontend.ToIR).
func (b *Bridge) ChatIR(ctx context.Context, req ir.ChatRequest, opts ...CallOption) (ir.ChatResponse, error) {
	o := resolveOptions(opts)
	req, effective, cancel := b.prepare(ctx, req, o)
	defer cancel()

	requestID := req.Metadata.RequestID
	b.cfg.Events.Emit(Event{Type: EventRequestStart, RequestID: requestID})

	start := time.Now()
	resp, err := b.callWithRetry(effective, req, o)
	latency := time.Since(start)

	backend := resp.Metadata.Provenance.Backend
	if err != nil {
		if adapter.CodeOf(err) == adapter.CodeCancelled {
			b.stats.recordFailure(backend, latency, false, err)
			b.cfg.Events.Emit(Event{Type: EventRequestCancelled, RequestID: requestID, Err: err})
			return ir.ChatResponse{}, err
		}
		b.stats.recordFailure(backend, latency, false, err)
		b.cfg.Events.Emit(Event{Type: EventRequestError, RequestID: requestID, Err: err, Backend: backend})
		return ir.ChatResponse{}, err
	}

	if resp.Metadata.RequestID == "" {
		resp.Metadata.RequestID = requestID
	}
	b.stats.recordSuccess(backend, latency, false)
	b.cfg.Events.Emit(Event{Type: EventRequestSuccess, RequestID: requestID, Backend: backend})
	return resp, nil
}

// callWithRetry wraps one middleware-wrapped call of the backend in the
// bridge's own retry loop, orthogonal to any retry middleware already in
// the stack (spec.md §4.7, §7 "Bridge retry is orthogonal and respects
// the same retryability flags").
func (b *Bridge) callWithRetry(ctx context.Context, req ir.ChatRequest, o CallOptions) (ir.ChatResponse, error) {
	maxAttempts := 1
	if !b.cfg.Retry.disabled() {
		maxAttempts = b.cfg.Retry.MaxAttempts
	}

	var lastResp ir.ChatResponse
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ir.ChatResponse{}, adapter.Wrap(adapter.CodeCancelled, "bridge call cancelled", false, ctx.Err())
		}
		lastResp, lastErr = b.callOnce(ctx, req, o)
		if lastErr == nil {
			return lastResp, nil
		}
		if attempt == maxAttempts || !b.cfg.Retry.ShouldRetry(lastErr, attempt) {
			return lastResp, lastErr
		}
		if b.cfg.Retry.Delay > 0 {
			select {
			case <-time.After(b.cfg.Retry.Delay):
			case <-ctx.Done():
				return ir.ChatResponse{}, adapter.Wrap(adapter.CodeCancelled, "bridge retry cancelled", false, ctx.Err())
			}
		}
	}
	return lastResp, lastErr
}

// callOnce runs req through the middleware stack (unless skipped) wrapping
// the single backend/router call.
func (b *Bridge) callOnce(ctx context.Context, req ir.ChatRequest, o CallOptions) (ir.ChatResponse, error) {
	handler := func(mctx *middleware.Context) (ir.ChatResponse, error) {
		return b.invokeBackend(mctx.Signal, mctx.Request, o)
	}

	if o.SkipMiddleware {
		return handler(middleware.NewUnaryContext(ctx, req))
	}

	mctx := middleware.NewUnaryContext(ctx, req)
	mctx.Backend = b.cfg.Backend
	resp, err := b.stack.Execute(mctx, handler)
	b.cfg.Events.Emit(Event{Type: EventMiddlewareExecuted, RequestID: req.Metadata.RequestID})
	return resp, err
}

// invokeBackend pins selection to o.Backend when the composite backend is
// a *router.Router (spec.md §4.7 per-request "backend" override);
// otherwise it calls the plain adapter.Backend contract.
func (b *Bridge) invokeBackend(ctx context.Context, req ir.ChatRequest, o CallOptions) (ir.ChatResponse, error) {
	if r, ok := b.cfg.Backend.(*router.Router); ok {
		var routerOpts []router.RequestOption
		if o.Backend != "" {
			routerOpts = append(routerOpts, router.WithBackend(o.Backend))
			b.cfg.Events.Emit(Event{Type: EventBackendSelected, RequestID: req.Metadata.RequestID, Backend: o.Backend})
		}
		return r.ExecuteWithOptions(ctx, req, routerOpts...)
	}
	return b.cfg.Backend.Execute(ctx, req)
}

// ChatStream is the streaming analogue of ChatIR, emitting stream:* events
// and feeding the frontend's FromIRStream. Bridge-level retry only covers
// opening the stream: once a chunk has been delivered to w, the stream is
// not idempotent (same rule as router.ExecuteStream) and a mid-stream
// error is reported via a terminal error chunk, never retried here.
func (b *Bridge) ChatStream(ctx context.Context, payload []byte, w adapter.ChunkWriter, opts ...CallOption) error {
	req, err := b.cfg.Frontend.ToIR(payload)
	if err != nil {
		return err
	}
	return b.ChatStreamIR(ctx, req, w, opts...)
}

// ChatStreamIR is ChatStream without the frontend payload round-trip.
func (b *Bridge) ChatStreamIR(ctx context.Context, req ir.ChatRequest, w adapter.ChunkWriter, opts ...CallOption) error {
	o := resolveOptions(opts)
	req.Stream = true
	req, effective, cancel := b.prepare(ctx, req, o)
	defer cancel()

	requestID := req.Metadata.RequestID
	b.cfg.Events.Emit(Event{Type: EventStreamStart, RequestID: requestID})

	start := time.Now()
	stream, err := b.streamOnce(effective, req, o)
	for attempt := 1; err != nil && !b.cfg.Retry.disabled() && attempt < b.cfg.Retry.MaxAttempts && b.cfg.Retry.ShouldRetry(err, attempt); attempt++ {
		if b.cfg.Retry.Delay > 0 {
			select {
			case <-time.After(b.cfg.Retry.Delay):
			case <-effective.Done():
			}
		}
		if effective.Err() != nil {
			err = adapter.Wrap(adapter.CodeCancelled, "bridge stream retry cancelled", false, effective.Err())
			break
		}
		stream, err = b.streamOnce(effective, req, o)
	}
	if err != nil {
		b.stats.recordFailure("", time.Since(start), true, err)
		b.cfg.Events.Emit(Event{Type: EventStreamError, RequestID: requestID, Err: err})
		return err
	}

	observed := b.observeStream(requestID, stream)
	ferr := b.cfg.Frontend.FromIRStream(effective, observed.chunks, w)

	backend, streamErr := observed.result()
	latency := time.Since(start)
	if ferr != nil {
		log.Printf("bridge: frontend.FromIRStream failed for request %s: %v", requestID, ferr)
		b.stats.recordFailure(backend, latency, true, ferr)
		b.cfg.Events.Emit(Event{Type: EventStreamError, RequestID: requestID, Backend: backend, Err: ferr})
		return ferr
	}
	if streamErr != nil {
		b.stats.recordFailure(backend, latency, true, streamErr)
		b.cfg.Events.Emit(Event{Type: EventStreamError, RequestID: requestID, Backend: backend, Err: streamErr})
		return streamErr
	}

	b.stats.recordSuccess(backend, latency, true)
	b.cfg.Events.Emit(Event{Type: EventStreamComplete, RequestID: requestID, Backend: backend})
	return nil
}

// observedStream tees a raw IR chunk channel: every chunk is forwarded
// unchanged to chunks (for the frontend to consume) while this goroutine
// also emits stream:chunk events and records the backend name and any
// terminal error chunk for the caller to read back via result() once
// chunks has drained.
type observedStream struct {
	chunks <-chan ir.StreamChunk
	done   chan struct{}
	backend string
	err     error
}

func (o *observedStream) result() (string, error) {
	<-o.done
	return o.backend, o.err
}

func (b *Bridge) observeStream(requestID string, in <-chan ir.StreamChunk) *observedStream {
	out := make(chan ir.StreamChunk)
	o := &observedStream{chunks: out, done: make(chan struct{})}
	go func() {
		defer close(out)
		defer close(o.done)
		for chunk := range in {
			if chunk.Type == ir.ChunkStart {
				o.backend = chunk.StartMetadata.Provenance.Backend
			}
			b.cfg.Events.Emit(Event{Type: EventStreamChunk, RequestID: requestID, Backend: o.backend})
			if chunk.Type == ir.ChunkError && chunk.Error != nil {
				o.err = adapter.New(adapter.Code(chunk.Error.Code), chunk.Error.Message, false)
			}
			out <- chunk
		}
	}()
	return o
}

// streamOnce runs req through the streaming middleware pipeline (unless
// skipped), the same way callOnce wraps the unary backend call — the
// stack's unary and streaming registries are locked together (spec.md
// §4.4) and must both actually run on a real call.
func (b *Bridge) streamOnce(ctx context.Context, req ir.ChatRequest, o CallOptions) (<-chan ir.StreamChunk, error) {
	handler := func(mctx *middleware.Context) (<-chan ir.StreamChunk, error) {
		return b.openStream(mctx.Signal, mctx.Request, o)
	}

	if o.SkipMiddleware {
		return handler(middleware.NewStreamContext(ctx, req))
	}

	mctx := middleware.NewStreamContext(ctx, req)
	mctx.Backend = b.cfg.Backend
	stream, err := b.stack.ExecuteStream(mctx, handler)
	b.cfg.Events.Emit(Event{Type: EventMiddlewareExecuted, RequestID: req.Metadata.RequestID})
	return stream, err
}

// openStream selects and opens the backend's chunk sequence, honoring the
// per-request backend override the same way invokeBackend does for unary
// calls.
func (b *Bridge) openStream(ctx context.Context, req ir.ChatRequest, o CallOptions) (<-chan ir.StreamChunk, error) {
	if r, ok := b.cfg.Backend.(*router.Router); ok {
		var routerOpts []router.RequestOption
		if o.Backend != "" {
			routerOpts = append(routerOpts, router.WithBackend(o.Backend))
			b.cfg.Events.Emit(Event{Type: EventBackendSelected, RequestID: req.Metadata.RequestID, Backend: o.Backend})
		}
		return r.ExecuteStreamWithOptions(ctx, req, routerOpts...)
	}
	return b.cfg.Backend.ExecuteStream(ctx, req)
}

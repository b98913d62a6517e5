package router

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/breaker"
	"github.com/nolanh/llmfabric/internal/cache"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal adapter.Backend for router tests.
type fakeBackend struct {
	name string

	mu        sync.Mutex
	calls     int
	failAlways bool
	delay     time.Duration
	retryable bool
	caps      ir.Capabilities
	cancelled atomic.Bool
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, retryable: true}
}

func (b *fakeBackend) Name() string { return b.name }
func (b *fakeBackend) FromIR(req ir.ChatRequest) (any, error) { return req, nil }
func (b *fakeBackend) ToIR(wireResponse any) (ir.ChatResponse, error) {
	resp, _ := wireResponse.(ir.ChatResponse)
	return resp, nil
}
func (b *fakeBackend) Capabilities() ir.Capabilities { return b.caps }

func (b *fakeBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			b.cancelled.Store(true)
			return ir.ChatResponse{}, adapter.Wrap(adapter.CodeCancelled, "cancelled", false, ctx.Err())
		}
	}
	if b.failAlways {
		return ir.ChatResponse{}, adapter.New(adapter.CodeProvider, b.name+" always fails", b.retryable)
	}
	return ir.ChatResponse{
		Message: ir.Message{Role: ir.RoleAssistant, Content: ir.TextContent("Response from " + b.name)},
	}, nil
}

func (b *fakeBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	return nil, adapter.New(adapter.CodeUnsupported, "not used in this test", false)
}

func simpleRouter(t *testing.T, strategy Strategy, names ...string) (*Router, map[string]*fakeBackend) {
	t.Helper()
	backends := map[string]*fakeBackend{}
	r := New(Config{
		Selection: SelectionConfig{Strategy: strategy},
		Fallback:  FallbackSequential,
	})
	for _, n := range names {
		fb := newFakeBackend(n)
		backends[n] = fb
		r.RegisterBackend(n, fb, nil)
	}
	return r, backends
}

func req(model string) ir.ChatRequest {
	return ir.ChatRequest{
		Messages:   []ir.Message{{Role: ir.RoleUser, Content: ir.TextContent("hi")}},
		Parameters: ir.Parameters{Model: model},
		Metadata:   ir.Metadata{RequestID: "r1"},
	}
}

// TestRoundRobinAcrossThreeBackends reproduces spec.md scenario S2.
func TestRoundRobinAcrossThreeBackends(t *testing.T) {
	r, _ := simpleRouter(t, StrategyRoundRobin, "b1", "b2", "b3")

	var got []string
	for i := 0; i < 4; i++ {
		resp, err := r.Execute(context.Background(), req("any"))
		require.NoError(t, err)
		got = append(got, *resp.Message.Content.Text)
	}
	assert.Equal(t, []string{
		"Response from b1", "Response from b2", "Response from b3", "Response from b1",
	}, got)
}

// TestSequentialFallbackWithModelTranslation reproduces spec.md scenario S3.
func TestSequentialFallbackWithModelTranslation(t *testing.T) {
	r := New(Config{
		Selection: SelectionConfig{
			Strategy:     StrategyModelBased,
			ModelMapping: map[string]string{"gpt-4": "b1"},
			FallbackStrategyWhenModelUnresolved: StrategyRoundRobin,
		},
		Fallback: FallbackSequential,
		Translation: TranslationConfig{
			Strategy: TranslationHybrid,
			PerBackend: map[string]map[string]string{
				"b2": {"gpt-4": "claude-3-opus"},
			},
		},
	})
	b1 := newFakeBackend("b1")
	b1.failAlways = true
	b1.retryable = true
	b2 := newFakeBackend("b2")
	b2.caps = ir.Capabilities{SupportedModels: []string{"claude-3-opus"}}
	r.RegisterBackend("b1", b1, nil)
	r.RegisterBackend("b2", b2, nil)

	resp, err := r.Execute(context.Background(), req("gpt-4"))
	require.NoError(t, err)
	assert.Equal(t, "b2", resp.Metadata.Provenance.Backend)

	subs := resp.Metadata.Warnings
	require.Len(t, subs, 1)
	assert.Equal(t, "model-substituted", subs[0].Message)
	assert.Equal(t, "gpt-4", subs[0].OriginalValue)
	assert.Equal(t, "claude-3-opus", subs[0].TransformedValue)
}

// TestParallelDispatchFirstSuccessCancels reproduces spec.md scenario S4.
func TestParallelDispatchFirstSuccessCancels(t *testing.T) {
	r, backends := simpleRouter(t, StrategyRoundRobin, "b1", "b2", "b3")
	backends["b1"].failAlways = true
	backends["b1"].delay = 10 * time.Millisecond
	backends["b2"].delay = 30 * time.Millisecond
	backends["b3"].delay = 100 * time.Millisecond

	result := r.DispatchParallel(context.Background(), req("any"), ParallelDispatchOptions{
		Strategy:             DispatchFirst,
		CancelOnFirstSuccess: true,
	})

	require.NotNil(t, result.Response.Message.Content.Text)
	assert.Equal(t, "Response from b2", *result.Response.Message.Content.Text)
	assert.Equal(t, []string{"b2"}, result.SuccessfulBackends)
	require.Len(t, result.FailedBackends, 1)
	assert.Equal(t, "b1", result.FailedBackends[0].Backend)
	assert.True(t, backends["b3"].cancelled.Load(), "b3 should observe cancellation")
}

func TestExplicitStrategyHonorsPerRequestOverride(t *testing.T) {
	r, _ := simpleRouter(t, StrategyExplicit, "b1", "b2")
	resp, err := r.ExecuteWithOptions(context.Background(), req("any"), WithBackend("b2"))
	require.NoError(t, err)
	assert.Equal(t, "Response from b2", *resp.Message.Content.Text)
}

func TestNonRetryableErrorShortCircuitsFallback(t *testing.T) {
	r, backends := simpleRouter(t, StrategyRoundRobin, "b1", "b2")
	backends["b1"].failAlways = true
	backends["b1"].retryable = false

	_, err := r.ExecuteWithOptions(context.Background(), req("any"), WithBackend("b1"))
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeProvider, ae.Code)
	assert.Equal(t, 0, backends["b2"].calls)
}

func TestCircuitBreakerOpensAfterThresholdAndAdmitsProbeAfterTimeout(t *testing.T) {
	r := New(Config{
		Selection:     SelectionConfig{Strategy: StrategyExplicit, DefaultBackend: "b1"},
		BreakerConfig: breaker.Config{Threshold: 3, Timeout: 50 * time.Millisecond},
	})
	b1 := newFakeBackend("b1")
	b1.failAlways = true
	r.RegisterBackend("b1", b1, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), req("any"))
		require.Error(t, err)
	}

	_, err := r.Execute(context.Background(), req("any"))
	require.Error(t, err)
	ae, _ := adapter.AsError(err)
	assert.Equal(t, adapter.CodeCircuitOpen, ae.Code)
	assert.Equal(t, 3, b1.calls)

	time.Sleep(60 * time.Millisecond)
	b1.failAlways = false
	resp, err := r.Execute(context.Background(), req("any"))
	require.NoError(t, err)
	assert.Equal(t, "Response from b1", *resp.Message.Content.Text)

	open, err := r.IsCircuitBreakerOpen("b1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestResetStatsSnapshotsAndClears(t *testing.T) {
	r, _ := simpleRouter(t, StrategyRoundRobin, "b1")
	_, err := r.Execute(context.Background(), req("any"))
	require.NoError(t, err)

	snap := r.ResetStats()
	assert.Equal(t, int64(1), snap.TotalRequests)

	fresh := r.GlobalStats()
	assert.Equal(t, int64(0), fresh.TotalRequests)
}

// listerBackend adds adapter.ModelLister to fakeBackend, counting calls so
// tests can assert the cache actually suppresses repeat invocations.
type listerBackend struct {
	*fakeBackend
	listCalls       atomic.Int64
	invalidateCalls atomic.Int64
	models          []adapter.ModelInfo
}

func (b *listerBackend) ListModels(_ context.Context, opts adapter.ListModelsOptions) (adapter.ListModelsResult, error) {
	b.listCalls.Add(1)
	return adapter.ListModelsResult{Models: b.models, Source: adapter.ModelSourceStatic, IsComplete: true}, nil
}

func (b *listerBackend) InvalidateModelCache(string) {
	b.invalidateCalls.Add(1)
}

func TestListModelsUnknownBackendReturnsNoBackendError(t *testing.T) {
	r, _ := simpleRouter(t, StrategyRoundRobin, "b1")
	_, err := r.ListModels(context.Background(), "missing", adapter.ListModelsOptions{})
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeNoBackend, ae.Code)
}

func TestListModelsBackendWithoutListerReturnsUnsupported(t *testing.T) {
	r, _ := simpleRouter(t, StrategyRoundRobin, "b1")
	_, err := r.ListModels(context.Background(), "b1", adapter.ListModelsOptions{})
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeUnsupported, ae.Code)
}

func TestListModelsCachesAndHonorsForceRefresh(t *testing.T) {
	r := New(Config{
		Selection:  SelectionConfig{Strategy: StrategyRoundRobin},
		Fallback:   FallbackSequential,
		ModelCache: cache.New(cache.NewMemStore(), time.Minute),
	})
	lb := &listerBackend{fakeBackend: newFakeBackend("b1"), models: []adapter.ModelInfo{{ID: "m1"}}}
	r.RegisterBackend("b1", lb, nil)

	first, err := r.ListModels(context.Background(), "b1", adapter.ListModelsOptions{})
	require.NoError(t, err)
	assert.Equal(t, adapter.ModelSourceStatic, first.Source)
	assert.Equal(t, int64(1), lb.listCalls.Load())

	second, err := r.ListModels(context.Background(), "b1", adapter.ListModelsOptions{})
	require.NoError(t, err)
	assert.Equal(t, adapter.ModelSourceCache, second.Source)
	assert.Equal(t, int64(1), lb.listCalls.Load(), "second call should be served from cache")

	third, err := r.ListModels(context.Background(), "b1", adapter.ListModelsOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, adapter.ModelSourceStatic, third.Source)
	assert.Equal(t, int64(2), lb.listCalls.Load(), "force refresh should bypass the cache")

	require.NoError(t, r.InvalidateModelCache(context.Background(), "b1"))
	assert.Equal(t, int64(1), lb.invalidateCalls.Load())

	fourth, err := r.ListModels(context.Background(), "b1", adapter.ListModelsOptions{})
	require.NoError(t, err)
	assert.Equal(t, adapter.ModelSourceStatic, fourth.Source)
	assert.Equal(t, int64(3), lb.listCalls.Load(), "invalidate should force the next call through the backend")
}

func TestModelBasedPatternMappingPriorityOrder(t *testing.T) {
	r, _ := simpleRouter(t, StrategyModelBased, "b1", "b2")
	r.selector.cfg.PatternMappings = []PatternMapping{
		{Pattern: regexp.MustCompile("^gpt-.*"), Backend: "b2", Priority: 1},
		{Pattern: regexp.MustCompile("^gpt-4$"), Backend: "b1", Priority: 10},
	}
	r.selector.cfg.FallbackStrategyWhenModelUnresolved = StrategyRoundRobin

	resp, err := r.Execute(context.Background(), req("gpt-4"))
	require.NoError(t, err)
	assert.Equal(t, "Response from b1", *resp.Message.Content.Text)
}

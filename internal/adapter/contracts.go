package adapter

import (
	"context"

	"github.com/nolanh/llmfabric/internal/ir"
)

// Frontend converts a caller-shaped request/response to/from IR (spec.md
// §4.1). Concrete wire shapes (OpenAI JSON, Anthropic JSON, ...) live
// outside this package; Frontend only fixes the method shape they must
// implement.
type Frontend interface {
	// ToIR parses a caller-shaped payload into an IRChatRequest.
	ToIR(payload []byte) (ir.ChatRequest, error)
	// FromIR serializes a completed IRChatResponse back into the
	// caller's wire shape.
	FromIR(resp ir.ChatResponse) ([]byte, error)
	// FromIRStream adapts an IR chunk stream into caller-shaped wire
	// frames, written to w as they arrive.
	FromIRStream(ctx context.Context, stream <-chan ir.StreamChunk, w ChunkWriter) error
	// Capabilities describes what shape this frontend accepts.
	Capabilities() ir.Capabilities
}

// ChunkWriter is the sink a frontend writes translated stream frames to —
// an SSE response writer, a websocket, a test buffer, etc.
type ChunkWriter interface {
	WriteFrame(data []byte) error
}

// Validator is implemented by frontends that can check a request's
// structural validity before translation (spec.md §4.1 "optional
// validate").
type Validator interface {
	Validate(req ir.ChatRequest) error
}

// ModelInfo is one entry returned by Backend.ListModels.
type ModelInfo struct {
	ID           string
	Capabilities ir.Capabilities
}

// ModelSource records where a ListModels result came from.
type ModelSource string

const (
	ModelSourceStatic ModelSource = "static"
	ModelSourceRemote ModelSource = "remote"
	ModelSourceCache  ModelSource = "cache"
)

// ListModelsOptions configures Backend.ListModels.
type ListModelsOptions struct {
	ForceRefresh bool
	Filter       func(ModelInfo) bool
}

// ListModelsResult is the boundary schema from spec.md §6.
type ListModelsResult struct {
	Models     []ModelInfo
	Source     ModelSource
	FetchedAt  int64 // unix millis, supplied by the caller's clock
	IsComplete bool
}

// Backend converts IR to/from a provider's wire format and performs the
// network call (spec.md §4.1). Every operation fails with a typed *Error.
type Backend interface {
	Name() string
	FromIR(req ir.ChatRequest) (wireRequest any, err error)
	ToIR(wireResponse any) (ir.ChatResponse, error)
	Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error)
	ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error)
	Capabilities() ir.Capabilities
}

// HealthChecker is implemented by backends that support active health
// probes (spec.md §4.1, §4.6 "Health checks").
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CostEstimator is implemented by backends that can price a request ahead
// of (or after) execution — feeds router cost stats (spec.md §4.6, §9).
type CostEstimator interface {
	EstimateCost(req ir.ChatRequest, usage *ir.Usage) (float64, bool)
}

// ModelLister is implemented by backends that can enumerate supported
// models dynamically (spec.md §4.1, §6).
type ModelLister interface {
	ListModels(ctx context.Context, opts ListModelsOptions) (ListModelsResult, error)
	InvalidateModelCache(model string)
}

// Package middleware implements the onion-composed interceptor stack from
// spec.md §4.4: a mutable-until-first-execution registry of unary and
// streaming middleware, locked together, wrapping a terminal handler.
package middleware

import (
	"context"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// Context is the per-call scratch space threaded through every middleware
// in the stack (spec.md §4.4 "Context construction"). Middleware
// instances are reusable across requests and must never hold
// request-scoped state in their own closures — State exists precisely so
// they don't have to (spec.md §9 "State in middleware").
type Context struct {
	Request ir.ChatRequest
	Config  map[string]any
	State   map[string]any
	Signal  context.Context
	Backend adapter.Backend

	IsStreaming     bool
	ChunksProcessed int
	StreamComplete  bool
}

// NewUnaryContext derives IsStreaming from req.Stream, per spec.md §4.4.
func NewUnaryContext(ctx context.Context, req ir.ChatRequest) *Context {
	return &Context{
		Request: req,
		Config:  map[string]any{},
		State:   map[string]any{},
		Signal:  ctx,
		IsStreaming: req.Stream,
	}
}

// NewStreamContext forces IsStreaming true, per spec.md §4.4.
func NewStreamContext(ctx context.Context, req ir.ChatRequest) *Context {
	return &Context{
		Request:     req,
		Config:      map[string]any{},
		State:       map[string]any{},
		Signal:      ctx,
		IsStreaming: true,
	}
}

// UnaryHandler is the terminal (or next-in-chain) step of a unary call.
type UnaryHandler func(ctx *Context) (ir.ChatResponse, error)

// UnaryMiddleware wraps a UnaryHandler. Returning without invoking next is
// a legal short-circuit (spec.md §4.4) — inner middleware and the final
// handler are simply never reached.
type UnaryMiddleware func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error)

// StreamHandler is the terminal (or next-in-chain) step of a streaming
// call.
type StreamHandler func(ctx *Context) (<-chan ir.StreamChunk, error)

// StreamMiddleware wraps a StreamHandler. It may transform, tap, or
// replace the returned chunk sequence.
type StreamMiddleware func(ctx *Context, next StreamHandler) (<-chan ir.StreamChunk, error)

// wrapMiddlewareErr wraps a non-typed panic/error raised inside middleware into the
// taxonomy's "middleware" code (spec.md §4.4, §7), unless it is already a
// typed *adapter.Error.
func wrapMiddlewareErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := adapter.AsError(err); ok {
		return err
	}
	return adapter.Wrap(adapter.CodeMiddleware, err.Error(), false, err)
}

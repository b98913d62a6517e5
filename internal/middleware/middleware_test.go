package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func order(name string, trace *[]string) UnaryMiddleware {
	return func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		*trace = append(*trace, name+"_pre")
		resp, err := next(ctx)
		*trace = append(*trace, name+"_post")
		return resp, err
	}
}

// TestOnionOrdering verifies spec.md §8 property 6.
func TestOnionOrdering(t *testing.T) {
	var trace []string
	s := New()
	s.Use("A", order("A", &trace))
	s.Use("B", order("B", &trace))
	s.Use("C", order("C", &trace))

	handler := func(ctx *Context) (ir.ChatResponse, error) {
		trace = append(trace, "H")
		return ir.ChatResponse{}, nil
	}

	_, err := s.Execute(&Context{Signal: context.Background()}, handler)
	require.NoError(t, err)
	assert.Equal(t, []string{"A_pre", "B_pre", "C_pre", "H", "C_post", "B_post", "A_post"}, trace)
}

func TestShortCircuitSkipsInnerMiddlewareAndHandler(t *testing.T) {
	var trace []string
	s := New()
	s.Use("A", order("A", &trace))
	s.Use("B", func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		trace = append(trace, "B_short_circuit")
		return ir.ChatResponse{Message: ir.Message{Role: ir.RoleAssistant, Content: ir.TextContent("short")}}, nil
	})
	s.Use("C", order("C", &trace))

	handlerCalled := false
	handler := func(ctx *Context) (ir.ChatResponse, error) {
		handlerCalled = true
		return ir.ChatResponse{}, nil
	}

	resp, err := s.Execute(&Context{Signal: context.Background()}, handler)
	require.NoError(t, err)
	assert.False(t, handlerCalled)
	assert.Equal(t, []string{"A_pre", "B_short_circuit", "A_post"}, trace)
	assert.Equal(t, "short", *resp.Message.Content.Text)
}

// TestLockAfterExecute verifies spec.md §8 property 7.
func TestLockAfterExecute(t *testing.T) {
	s := New()
	s.Use("A", func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) { return next(ctx) })

	_, _ = s.Execute(&Context{Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		return ir.ChatResponse{}, nil
	})

	assert.True(t, s.IsLocked())
	assert.Panics(t, func() { s.Use("B", func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) { return next(ctx) }) })
	assert.Panics(t, func() { s.Remove("A") })
	assert.Panics(t, func() { s.Clear() })
}

func TestMiddlewareErrorWrapping(t *testing.T) {
	s := New()
	s.Use("boom", func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		return ir.ChatResponse{}, assertPlainError("kaboom")
	})
	_, err := s.Execute(&Context{Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		return ir.ChatResponse{}, nil
	})
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeMiddleware, ae.Code)
}

type assertPlainError string

func (e assertPlainError) Error() string { return string(e) }

// TestRetryRespectsMaxAttemptsExactly verifies spec.md §8 property 8.
func TestRetryRespectsMaxAttemptsExactly(t *testing.T) {
	attempts := 0
	mw := Retry(RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error, attempt int) bool { return true },
	})

	handler := func(ctx *Context) (ir.ChatResponse, error) {
		attempts++
		return ir.ChatResponse{}, adapter.New(adapter.CodeNetwork, "fail", true)
	}

	_, err := mw(&Context{Signal: context.Background()}, handler)
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetryStopsWhenShouldRetryFalse(t *testing.T) {
	attempts := 0
	mw := Retry(RetryConfig{
		MaxAttempts:  10,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error, attempt int) bool { return attempt < 2 },
	})
	handler := func(ctx *Context) (ir.ChatResponse, error) {
		attempts++
		return ir.ChatResponse{}, adapter.New(adapter.CodeNetwork, "fail", true)
	}
	_, err := mw(&Context{Signal: context.Background()}, handler)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestValidationBlocksInProductionPreset(t *testing.T) {
	cfg := ProductionValidationPreset()
	mw := Validation(cfg)
	req := ir.ChatRequest{
		Messages: []ir.Message{{Role: ir.RoleUser, Content: ir.TextContent("email me at a@b.com")}},
		Metadata: ir.Metadata{RequestID: "r1"},
	}
	_, err := mw(&Context{Request: req, Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		return ir.ChatResponse{}, nil
	})
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeValidation, ae.Code)
}

func TestValidationRedactsInDevelopmentPreset(t *testing.T) {
	cfg := DevelopmentValidationPreset()
	mw := Validation(cfg)
	req := ir.ChatRequest{
		Messages: []ir.Message{{Role: ir.RoleUser, Content: ir.TextContent("email me at a@b.com")}},
		Metadata: ir.Metadata{RequestID: "r1"},
	}
	var captured ir.ChatRequest
	_, err := mw(&Context{Request: req, Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		captured = ctx.Request
		return ir.ChatResponse{}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, *captured.Messages[0].Content.Text, "[REDACTED_EMAIL]")
}

func TestValidationSanitizesControlCharacters(t *testing.T) {
	cfg := ValidationConfig{Sanitize: true}
	mw := Validation(cfg)
	req := ir.ChatRequest{
		Messages: []ir.Message{{Role: ir.RoleUser, Content: ir.TextContent("a\x00b\r\nc")}},
	}
	var captured ir.ChatRequest
	_, err := mw(&Context{Request: req, Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		captured = ctx.Request
		return ir.ChatResponse{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ab\nc", *captured.Messages[0].Content.Text)
}

func TestTransformAppliesFixedOrder(t *testing.T) {
	var trace []string
	cfg := TransformConfig{
		Messages: func(ctx *Context, m []ir.Message) ([]ir.Message, error) {
			trace = append(trace, "messages")
			return m, nil
		},
		Request: func(ctx *Context, r ir.ChatRequest) (ir.ChatRequest, error) {
			trace = append(trace, "request")
			return r, nil
		},
		Response: func(ctx *Context, r ir.ChatResponse) (ir.ChatResponse, error) {
			trace = append(trace, "response")
			return r, nil
		},
	}
	mw := Transform(cfg)
	_, err := mw(&Context{Signal: context.Background()}, func(ctx *Context) (ir.ChatResponse, error) {
		trace = append(trace, "handler")
		return ir.ChatResponse{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"messages", "request", "handler", "response"}, trace)
}

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomyUnwrapAndRetryable(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := Wrap(CodeNetwork, "upstream unreachable", true, cause)
	assert.ErrorIs(t, e, cause)
	assert.True(t, IsRetryable(e))
	assert.Equal(t, CodeNetwork, CodeOf(e))

	notTyped := errors.New("plain error")
	assert.False(t, IsRetryable(notTyped))
	assert.Equal(t, Code(""), CodeOf(notTyped))
}

func TestAsErrorFindsWrappedAdapterError(t *testing.T) {
	inner := New(CodeCircuitOpen, "breaker open", false)
	wrapped := errors.New("outer: " + inner.Error())
	_, ok := AsError(wrapped)
	assert.False(t, ok, "string wrapping is not Unwrap-able")

	ae, ok := AsError(inner)
	require.True(t, ok)
	assert.Equal(t, CodeCircuitOpen, ae.Code)
}

func TestPassthroughRoundTrip(t *testing.T) {
	p := &Passthrough{Name: "test-passthrough"}

	req := ir.ChatRequest{
		Messages: []ir.Message{{Role: ir.RoleUser, Content: ir.TextContent("hi")}},
		Metadata: ir.Metadata{RequestID: "r1", Timestamp: time.Now()},
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	got, err := p.ToIR(payload)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Metadata.RequestID)
	assert.Equal(t, "test-passthrough", got.Metadata.Provenance.Frontend)

	resp := ir.ChatResponse{Message: ir.Message{Role: ir.RoleAssistant, Content: ir.TextContent("hello")}}
	out, err := p.FromIR(resp)
	require.NoError(t, err)

	var decoded ir.ChatResponse
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "hello", *decoded.Message.Content.Text)
}

func TestPassthroughValidateRejectsEmptyMessages(t *testing.T) {
	p := &Passthrough{}
	err := p.Validate(ir.ChatRequest{Metadata: ir.Metadata{RequestID: "x", Timestamp: time.Now()}})
	require.Error(t, err)
	ae, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, ae.Code)
}

func TestPassthroughFromIRStreamWritesEveryChunk(t *testing.T) {
	p := &Passthrough{}
	ch := make(chan ir.StreamChunk, 2)
	ch <- ir.StreamChunk{Type: ir.ChunkContent, Delta: "a"}
	ch <- ir.StreamChunk{Type: ir.ChunkDone, FinishReason: ir.FinishStop}
	close(ch)

	var w CollectingChunkWriter
	err := p.FromIRStream(context.Background(), ch, &w)
	require.NoError(t, err)
	assert.Len(t, w.Frames, 2)
}

func TestPassthroughFromIRStreamRespectsCancellation(t *testing.T) {
	p := &Passthrough{}
	ch := make(chan ir.StreamChunk) // never closed, never written
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.FromIRStream(ctx, ch, &CollectingChunkWriter{})
	require.Error(t, err)
	ae, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeCancelled, ae.Code)
}

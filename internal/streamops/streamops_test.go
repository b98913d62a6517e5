package streamops

import (
	"context"
	"testing"
	"time"

	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksOf(cs ...ir.StreamChunk) Stream {
	ch := make(chan ir.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range cs {
			ch <- c
		}
	}()
	return ch
}

// TestConvertStreamModeS1 reproduces S1 from spec.md §8.
func TestConvertStreamModeS1(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "Hello"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: " World"},
		ir.StreamChunk{Type: ir.ChunkDone, Sequence: 2, FinishReason: ir.FinishStop},
	)
	out := Collect(AddAccumulatedToStream(in))
	require.Len(t, out, 3)
	require.NotNil(t, out[0].Accumulated)
	assert.Equal(t, "Hello", *out[0].Accumulated)
	require.NotNil(t, out[1].Accumulated)
	assert.Equal(t, "Hello World", *out[1].Accumulated)
	assert.Equal(t, ir.ChunkDone, out[2].Type)
}

func TestRoundTripAddStripPreservesDelta(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "a"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: "b"},
	)
	out := Collect(StripAccumulatedFromStream(AddAccumulatedToStream(in)))
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Delta)
	assert.Nil(t, out[0].Accumulated)
	assert.Equal(t, "b", out[1].Delta)
	assert.Nil(t, out[1].Accumulated)
}

func TestStreamToTextEqualAcrossModes(t *testing.T) {
	build := func() Stream {
		return chunksOf(
			ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "Hello"},
			ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: " World"},
			ir.StreamChunk{Type: ir.ChunkDone, Sequence: 2},
		)
	}
	deltaText := StreamToText(build())
	accText := StreamToText(AddAccumulatedToStream(build()))
	assert.Equal(t, deltaText, accText)
}

func TestEmptyDeltaAccumulatedStillValid(t *testing.T) {
	acc := NewAccumulator().ApplyChunk(ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "x"})
	result := acc.ApplyChunk(ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: "", Accumulated: strPtr("x")})
	assert.Equal(t, "x", result.Accumulated)
}

func strPtr(s string) *string { return &s }

func TestAccumulateChunkPure(t *testing.T) {
	a := NewAccumulator()
	b := a.ApplyChunk(ir.StreamChunk{Type: ir.ChunkContent, Delta: "x"})
	assert.Equal(t, "", a.Accumulated)
	assert.Equal(t, "x", b.Accumulated)
}

func TestValidateDetectsGapDuplicateOutOfOrder(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "a"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 2, Delta: "b"}, // gap
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 2, Delta: "c"}, // duplicate
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: "d"}, // out of order
	)
	var issues []SequenceIssue
	out := Collect(Validate(in, ValidateOptions{OnWarning: func(i SequenceIssue) { issues = append(issues, i) }}))
	assert.Len(t, out, 4)
	require.Len(t, issues, 3)
	assert.Equal(t, IssueGap, issues[0].Kind)
	assert.Equal(t, IssueDuplicate, issues[1].Kind)
	assert.Equal(t, IssueOutOfOrder, issues[2].Kind)
}

func TestValidateStrictFailsStream(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "a"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 2, Delta: "b"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 3, Delta: "c"},
	)
	out := Collect(Validate(in, ValidateOptions{Strict: true}))
	require.Len(t, out, 2)
	assert.Equal(t, ir.ChunkError, out[1].Type)
}

func TestTeeEachBranchSeesEveryChunkInOrder(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "a"},
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 1, Delta: "b"},
		ir.StreamChunk{Type: ir.ChunkDone, Sequence: 2},
	)
	branches := Tee(in, 2)
	text0 := StreamToText(branches[0])
	text1 := StreamToText(branches[1])
	assert.Equal(t, "ab", text0)
	assert.Equal(t, "ab", text1)
}

func TestCatchErrorsSynthesizesReplacement(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "a"},
		ir.StreamChunk{Type: ir.ChunkError, Sequence: 1, Error: &ir.ChunkErrorPayload{Code: "network", Message: "boom"}},
	)
	out := Collect(CatchErrors(in, func(e ir.ChunkErrorPayload) *ir.StreamChunk {
		return &ir.StreamChunk{Type: ir.ChunkDone, FinishReason: ir.FinishError}
	}))
	require.Len(t, out, 2)
	assert.Equal(t, ir.ChunkDone, out[1].Type)
}

func TestWithTimeoutFiresOnSlowProducer(t *testing.T) {
	ch := make(chan ir.StreamChunk)
	go func() {
		defer close(ch)
		ch <- ir.StreamChunk{Type: ir.ChunkContent, Delta: "a"}
		time.Sleep(50 * time.Millisecond)
		ch <- ir.StreamChunk{Type: ir.ChunkContent, Delta: "b"}
	}()
	ctx := context.Background()
	out := Collect(WithTimeout(ctx, ch, 10*time.Millisecond, nil))
	require.Len(t, out, 2)
	assert.Equal(t, ir.ChunkError, out[1].Type)
	assert.Equal(t, "timeout", out[1].Error.Code)
}

func TestStreamToResponseSynthesizesDoneWhenMissing(t *testing.T) {
	in := chunksOf(
		ir.StreamChunk{Type: ir.ChunkContent, Sequence: 0, Delta: "hi"},
	)
	resp := StreamToResponse(in, ir.Metadata{RequestID: "r1"})
	assert.Equal(t, "hi", *resp.Message.Content.Text)
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
	assert.Equal(t, "r1", resp.Metadata.RequestID)
}

package adapter

import (
	"context"
	"encoding/json"

	"github.com/nolanh/llmfabric/internal/ir"
)

// Passthrough is the zero-translation frontend required by spec.md §4.1:
// ToIR stamps provenance and decodes its payload as an ir.ChatRequest
// verbatim; FromIR/FromIRStream return their arguments unchanged (encoded
// straight back to JSON). It exists so callers and tests can drive the
// fabric with IR values directly, without a vendor-shaped wire format.
type Passthrough struct {
	Name string // provenance tag, e.g. "passthrough" or "internal-test"
}

var _ Frontend = (*Passthrough)(nil)
var _ Validator = (*Passthrough)(nil)

// ToIR decodes payload as JSON-encoded ir.ChatRequest and stamps
// provenance.
func (p *Passthrough) ToIR(payload []byte) (ir.ChatRequest, error) {
	var req ir.ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ir.ChatRequest{}, Wrap(CodeValidation, "decoding passthrough request", false, err)
	}
	req.Metadata.Provenance.Frontend = p.name()
	return req, nil
}

// FromIR returns resp re-encoded as JSON, unchanged in meaning.
func (p *Passthrough) FromIR(resp ir.ChatResponse) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, Wrap(CodeValidation, "encoding passthrough response", false, err)
	}
	return b, nil
}

// FromIRStream writes every chunk verbatim, JSON-encoded, one per frame.
func (p *Passthrough) FromIRStream(ctx context.Context, stream <-chan ir.StreamChunk, w ChunkWriter) error {
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return nil
			}
			b, err := json.Marshal(chunk)
			if err != nil {
				return Wrap(CodeValidation, "encoding passthrough chunk", false, err)
			}
			if err := w.WriteFrame(b); err != nil {
				return Wrap(CodeNetwork, "writing passthrough frame", true, err)
			}
		case <-ctx.Done():
			return Wrap(CodeCancelled, "passthrough stream cancelled", false, ctx.Err())
		}
	}
}

// Capabilities advertises no restrictions — a passthrough adapter accepts
// the full IR surface.
func (p *Passthrough) Capabilities() ir.Capabilities {
	return ir.Capabilities{
		Streaming: true, MultiModal: true, Tools: true, JSON: true, Seed: true,
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: true, TopK: true,
			FrequencyPenalty: true, PresencePenalty: true, StopSequences: true,
		},
		SystemMessageStrategy:          ir.SystemInMessages,
		SupportsMultipleSystemMessages: true,
	}
}

// Validate enforces the §3 structural invariants.
func (p *Passthrough) Validate(req ir.ChatRequest) error {
	if err := ir.ValidateRequest(req); err != nil {
		return Wrap(CodeValidation, err.Error(), false, err)
	}
	return nil
}

func (p *Passthrough) name() string {
	if p.Name != "" {
		return p.Name
	}
	return "passthrough"
}

// FuncChunkWriter adapts a plain function to the ChunkWriter interface —
// handy in tests and in-process callers that just want to collect frames.
type FuncChunkWriter func(data []byte) error

func (f FuncChunkWriter) WriteFrame(data []byte) error { return f(data) }

// CollectingChunkWriter accumulates frames in memory; used by tests and by
// bridge.Chat's non-HTTP callers.
type CollectingChunkWriter struct {
	Frames [][]byte
}

func (c *CollectingChunkWriter) WriteFrame(data []byte) error {
	c.Frames = append(c.Frames, append([]byte(nil), data...))
	return nil
}

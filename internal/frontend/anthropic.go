package frontend

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// Anthropic implements adapter.Frontend for the Anthropic /v1/messages wire
// format — a second caller-facing shape proving the IR pivot decouples N
// frontends from M backends, independent of which backend actually serves
// the request.
type Anthropic struct {
	Name string
}

var _ adapter.Frontend = (*Anthropic)(nil)
var _ adapter.Validator = (*Anthropic)(nil)

func (a *Anthropic) name() string {
	if a.Name != "" {
		return a.Name
	}
	return "anthropic-messages"
}

type anthropicWireRequest struct {
	Model         string                `json:"model"`
	System        string                `json:"system,omitempty"`
	Messages      []anthropicWireMessage `json:"messages"`
	MaxTokens     int                   `json:"max_tokens"`
	Stream        bool                  `json:"stream,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	TopP          *float64              `json:"top_p,omitempty"`
	TopK          *int                  `json:"top_k,omitempty"`
	StopSequences []string              `json:"stop_sequences,omitempty"`
}

type anthropicWireMessage struct {
	Role    string                     `json:"role"`
	Content []anthropicWireContentBlock `json:"content"`
}

type anthropicWireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicWireResponse struct {
	ID         string                      `json:"id"`
	Type       string                      `json:"type"`
	Role       string                      `json:"role"`
	Model      string                      `json:"model"`
	Content    []anthropicWireContentBlock `json:"content"`
	StopReason string                      `json:"stop_reason"`
	Usage      anthropicWireUsage          `json:"usage"`
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func anthropicWireRole(r ir.Role) string {
	if r == ir.RoleAssistant {
		return "assistant"
	}
	return "user"
}

// ToIR parses an Anthropic Messages API request body into IR.
func (a *Anthropic) ToIR(payload []byte) (ir.ChatRequest, error) {
	var wire anthropicWireRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ir.ChatRequest{}, adapter.Wrap(adapter.CodeValidation, "decoding anthropic request", false, err)
	}

	req := ir.ChatRequest{
		Stream: wire.Stream,
		Parameters: ir.Parameters{
			Model: wire.Model, Temperature: wire.Temperature, TopP: wire.TopP, TopK: wire.TopK,
			StopSequences: wire.StopSequences,
		},
		Metadata: ir.Metadata{Provenance: ir.Provenance{Frontend: a.name()}},
	}
	if wire.MaxTokens > 0 {
		req.Parameters.MaxTokens = &wire.MaxTokens
	}
	if wire.System != "" {
		req.Messages = append(req.Messages, ir.Message{Role: ir.RoleSystem, Content: ir.TextContent(wire.System)})
	}
	for _, m := range wire.Messages {
		var b strings.Builder
		for _, block := range m.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		role := ir.RoleUser
		if m.Role == "assistant" {
			role = ir.RoleAssistant
		}
		req.Messages = append(req.Messages, ir.Message{Role: role, Content: ir.TextContent(b.String())})
	}

	return req, nil
}

func anthropicWireStopReason(r ir.FinishReason) string {
	switch r {
	case ir.FinishLength:
		return "max_tokens"
	case ir.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// FromIR serializes an ir.ChatResponse into an Anthropic Messages API
// response body.
func (a *Anthropic) FromIR(resp ir.ChatResponse) ([]byte, error) {
	var text string
	if resp.Message.Content.Text != nil {
		text = *resp.Message.Content.Text
	}

	wire := anthropicWireResponse{
		ID:         resp.Metadata.ProviderResponseID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Metadata.Provenance.Backend,
		Content:    []anthropicWireContentBlock{{Type: "text", Text: text}},
		StopReason: anthropicWireStopReason(resp.FinishReason),
	}
	if resp.Usage != nil {
		wire.Usage = anthropicWireUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}

	b, err := json.Marshal(wire)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeValidation, "encoding anthropic response", false, err)
	}
	return b, nil
}

type anthropicWireStreamEvent struct {
	Type         string                       `json:"type"`
	Message      *anthropicWireResponse       `json:"message,omitempty"`
	Delta        *anthropicWireStreamDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicWireContentBlock   `json:"content_block,omitempty"`
	Index        int                          `json:"index"`
	Usage        *anthropicWireUsage          `json:"usage,omitempty"`
}

type anthropicWireStreamDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// FromIRStream translates the IR chunk sequence into Anthropic's named SSE
// events (message_start / content_block_start / content_block_delta /
// content_block_stop / message_delta / message_stop).
func (a *Anthropic) FromIRStream(ctx context.Context, stream <-chan ir.StreamChunk, w adapter.ChunkWriter) error {
	blockOpen := false
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return nil
			}
			switch chunk.Type {
			case ir.ChunkStart:
				if err := writeAnthropicEvent(w, anthropicWireStreamEvent{
					Type: "message_start",
					Message: &anthropicWireResponse{
						ID: chunk.StartMetadata.ProviderResponseID, Type: "message", Role: "assistant",
						Model: chunk.StartMetadata.Provenance.Backend, Content: []anthropicWireContentBlock{},
					},
				}); err != nil {
					return err
				}
				if err := writeAnthropicEvent(w, anthropicWireStreamEvent{
					Type: "content_block_start", ContentBlock: &anthropicWireContentBlock{Type: "text"},
				}); err != nil {
					return err
				}
				blockOpen = true
			case ir.ChunkContent:
				if err := writeAnthropicEvent(w, anthropicWireStreamEvent{
					Type: "content_block_delta", Delta: &anthropicWireStreamDelta{Type: "text_delta", Text: chunk.Delta},
				}); err != nil {
					return err
				}
			case ir.ChunkDone:
				if blockOpen {
					if err := writeAnthropicEvent(w, anthropicWireStreamEvent{Type: "content_block_stop"}); err != nil {
						return err
					}
				}
				evt := anthropicWireStreamEvent{
					Type:  "message_delta",
					Delta: &anthropicWireStreamDelta{StopReason: anthropicWireStopReason(chunk.FinishReason)},
				}
				if chunk.DoneUsage != nil {
					evt.Usage = &anthropicWireUsage{OutputTokens: chunk.DoneUsage.CompletionTokens}
				}
				if err := writeAnthropicEvent(w, evt); err != nil {
					return err
				}
				return writeAnthropicEvent(w, anthropicWireStreamEvent{Type: "message_stop"})
			case ir.ChunkError:
				msg := "stream error"
				if chunk.Error != nil {
					msg = chunk.Error.Message
				}
				return adapter.New(adapter.CodeProvider, msg, false)
			}
		case <-ctx.Done():
			return adapter.Wrap(adapter.CodeCancelled, "anthropic stream cancelled", false, ctx.Err())
		}
	}
}

func writeAnthropicEvent(w adapter.ChunkWriter, evt anthropicWireStreamEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return adapter.Wrap(adapter.CodeValidation, "encoding anthropic stream event", false, err)
	}
	if err := w.WriteFrame(b); err != nil {
		return adapter.Wrap(adapter.CodeNetwork, "writing anthropic stream frame", true, err)
	}
	return nil
}

// Capabilities describes what the Anthropic-compatible surface accepts
// from callers.
func (a *Anthropic) Capabilities() ir.Capabilities {
	return ir.Capabilities{
		Streaming: true, MultiModal: true, Tools: true,
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: true, TopK: true, StopSequences: true,
		},
		SystemMessageStrategy:          ir.SystemSeparateParameter,
		SupportsMultipleSystemMessages: true,
	}
}

// Validate enforces the §3 structural invariants before translation.
func (a *Anthropic) Validate(req ir.ChatRequest) error {
	if err := ir.ValidateRequest(req); err != nil {
		return adapter.Wrap(adapter.CodeValidation, err.Error(), false, err)
	}
	return nil
}

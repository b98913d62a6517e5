// Package frontend holds the concrete frontend adapters that translate a
// caller's wire format to/from IR — the OpenAI-compatible
// /v1/chat/completions shape and the Anthropic-compatible /v1/messages
// shape. internal/adapter.Passthrough remains the zero-translation
// frontend for in-process/test callers; these are the two vendor-shaped
// surfaces spec.md's bridge sits behind in front of an HTTP server.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// OpenAI implements adapter.Frontend for the OpenAI chat completions wire
// format (the shape the teacher's original handler accepted directly).
type OpenAI struct {
	// Name tags provenance; defaults to "openai" when empty.
	Name string
}

var _ adapter.Frontend = (*OpenAI)(nil)
var _ adapter.Validator = (*OpenAI)(nil)

func (o *OpenAI) name() string {
	if o.Name != "" {
		return o.Name
	}
	return "openai"
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []openAITool    `json:"tools,omitempty"`
	ResponseFormat   *openAIRespFmt  `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role      string           `json:"role"`
	Content   json.RawMessage  `json:"content"` // string, or an array of content parts
	Name      string           `json:"name,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIRespFmt struct {
	Type   string         `json:"type"`
	Schema map[string]any `json:"json_schema,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ---------------------------------------------------------------------------
// ToIR
// ---------------------------------------------------------------------------

func openAIRole(s string) ir.Role {
	switch s {
	case "system":
		return ir.RoleSystem
	case "assistant":
		return ir.RoleAssistant
	case "tool":
		return ir.RoleTool
	default:
		return ir.RoleUser
	}
}

func decodeOpenAIContent(raw json.RawMessage) (ir.MessageContent, error) {
	if len(raw) == 0 {
		return ir.TextContent(""), nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return ir.TextContent(asString), nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ir.MessageContent{}, fmt.Errorf("message content is neither a string nor a part array: %w", err)
	}
	blocks := make([]ir.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, ir.ContentBlock{Type: ir.ContentText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, ir.ContentBlock{Type: ir.ContentImage, Image: &ir.ImageSource{URL: p.ImageURL.URL}})
			}
		}
	}
	return ir.BlockContent(blocks...), nil
}

func toIRMessage(m openAIMessage) (ir.Message, error) {
	if len(m.ToolCalls) > 0 {
		blocks := make([]ir.ContentBlock, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			blocks = append(blocks, ir.ContentBlock{
				Type: ir.ContentToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: input,
			})
		}
		return ir.Message{Role: openAIRole(m.Role), Content: ir.BlockContent(blocks...), Name: m.Name}, nil
	}
	if m.ToolCallID != "" {
		var text string
		_ = json.Unmarshal(m.Content, &text)
		return ir.Message{
			Role:    ir.RoleTool,
			Content: ir.BlockContent(ir.ContentBlock{Type: ir.ContentToolResult, ToolResultForID: m.ToolCallID, ToolResult: text}),
		}, nil
	}

	content, err := decodeOpenAIContent(m.Content)
	if err != nil {
		return ir.Message{}, err
	}
	return ir.Message{Role: openAIRole(m.Role), Content: content, Name: m.Name}, nil
}

// ToIR parses an OpenAI chat-completions request body into IR.
func (o *OpenAI) ToIR(payload []byte) (ir.ChatRequest, error) {
	var wire openAIRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ir.ChatRequest{}, adapter.Wrap(adapter.CodeValidation, "decoding openai request", false, err)
	}

	req := ir.ChatRequest{
		Stream: wire.Stream,
		Parameters: ir.Parameters{
			Model: wire.Model, Temperature: wire.Temperature, MaxTokens: wire.MaxTokens,
			TopP: wire.TopP, FrequencyPenalty: wire.FrequencyPenalty, PresencePenalty: wire.PresencePenalty,
			StopSequences: wire.Stop, Seed: wire.Seed, User: wire.User,
		},
		Metadata: ir.Metadata{Provenance: ir.Provenance{Frontend: o.name()}},
	}
	if wire.ResponseFormat != nil && wire.ResponseFormat.Type == "json_schema" {
		req.Schema = mapToSchema(wire.ResponseFormat.Schema)
	}

	for _, m := range wire.Messages {
		irMsg, err := toIRMessage(m)
		if err != nil {
			return ir.ChatRequest{}, adapter.Wrap(adapter.CodeValidation, "decoding openai message", false, err)
		}
		req.Messages = append(req.Messages, irMsg)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, ir.Tool{
			Name: t.Function.Name, Description: t.Function.Description,
			Parameters: *mapToSchema(t.Function.Parameters),
		})
	}

	return req, nil
}

// mapToSchema round-trips an untyped JSON Schema map into ir.JSONSchema —
// the inverse of provider.schemaToMap, used at the opposite translation
// boundary (caller-shaped wire in, rather than backend wire out).
func mapToSchema(m map[string]any) *ir.JSONSchema {
	if m == nil {
		return &ir.JSONSchema{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return &ir.JSONSchema{}
	}
	var s ir.JSONSchema
	_ = json.Unmarshal(b, &s)
	return &s
}

// ---------------------------------------------------------------------------
// FromIR
// ---------------------------------------------------------------------------

func openAIFinishReason(r ir.FinishReason) string {
	switch r {
	case ir.FinishLength:
		return "length"
	case ir.FinishToolCalls:
		return "tool_calls"
	case ir.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// FromIR serializes an ir.ChatResponse into an OpenAI chat-completion
// response body.
func (o *OpenAI) FromIR(resp ir.ChatResponse) ([]byte, error) {
	var content string
	if resp.Message.Content.Text != nil {
		content = *resp.Message.Content.Text
	}

	wire := openAIResponse{
		ID:     resp.Metadata.ProviderResponseID,
		Object: "chat.completion",
		Model:  resp.Metadata.Provenance.Backend,
		Choices: []openAIChoice{{
			Index:        0,
			Message:      openAIMessage{Role: "assistant", Content: mustRawString(content)},
			FinishReason: openAIFinishReason(resp.FinishReason),
		}},
	}
	if resp.Usage != nil {
		wire.Usage = &openAIUsage{
			PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens: resp.Usage.TotalTokens,
		}
	}

	b, err := json.Marshal(wire)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeValidation, "encoding openai response", false, err)
	}
	return b, nil
}

func mustRawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ---------------------------------------------------------------------------
// FromIRStream
// ---------------------------------------------------------------------------

type openAIStreamChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
}

type openAIStreamChoice struct {
	Index        int            `json:"index"`
	Delta        openAIDelta    `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content,omitempty"`
}

// FromIRStream translates the IR chunk sequence into OpenAI-compatible SSE
// data frames, terminated by the "[DONE]" sentinel OpenAI clients expect.
func (o *OpenAI) FromIRStream(ctx context.Context, stream <-chan ir.StreamChunk, w adapter.ChunkWriter) error {
	var respID, model string
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return writeFrame(w, []byte("[DONE]"))
			}
			switch chunk.Type {
			case ir.ChunkStart:
				respID = chunk.StartMetadata.ProviderResponseID
				model = chunk.StartMetadata.Provenance.Backend
			case ir.ChunkContent:
				event := openAIStreamChunk{
					ID: respID, Object: "chat.completion.chunk", Model: model,
					Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{Content: chunk.Delta}}},
				}
				b, err := json.Marshal(event)
				if err != nil {
					return adapter.Wrap(adapter.CodeValidation, "encoding openai stream chunk", false, err)
				}
				if err := writeFrame(w, b); err != nil {
					return err
				}
			case ir.ChunkDone:
				reason := openAIFinishReason(chunk.FinishReason)
				event := openAIStreamChunk{
					ID: respID, Object: "chat.completion.chunk", Model: model,
					Choices: []openAIStreamChoice{{Index: 0, Delta: openAIDelta{}, FinishReason: &reason}},
				}
				if chunk.DoneUsage != nil {
					event.Usage = &openAIUsage{
						PromptTokens: chunk.DoneUsage.PromptTokens, CompletionTokens: chunk.DoneUsage.CompletionTokens,
						TotalTokens: chunk.DoneUsage.TotalTokens,
					}
				}
				b, err := json.Marshal(event)
				if err != nil {
					return adapter.Wrap(adapter.CodeValidation, "encoding openai stream done chunk", false, err)
				}
				if err := writeFrame(w, b); err != nil {
					return err
				}
			case ir.ChunkError:
				msg := "stream error"
				if chunk.Error != nil {
					msg = chunk.Error.Message
				}
				return adapter.New(adapter.CodeProvider, msg, false)
			}
		case <-ctx.Done():
			return adapter.Wrap(adapter.CodeCancelled, "openai stream cancelled", false, ctx.Err())
		}
	}
}

func writeFrame(w adapter.ChunkWriter, data []byte) error {
	if err := w.WriteFrame(data); err != nil {
		return adapter.Wrap(adapter.CodeNetwork, "writing openai stream frame", true, err)
	}
	return nil
}

// Capabilities describes what the OpenAI-compatible surface itself
// accepts from callers (distinct from any particular backend's
// capabilities).
func (o *OpenAI) Capabilities() ir.Capabilities {
	return ir.Capabilities{
		Streaming: true, MultiModal: true, Tools: true, JSON: true, Seed: true,
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: true, TopK: false,
			FrequencyPenalty: true, PresencePenalty: true, StopSequences: true, Seed: true,
		},
		SystemMessageStrategy:          ir.SystemInMessages,
		SupportsMultipleSystemMessages: true,
	}
}

// Validate enforces the §3 structural invariants before translation.
func (o *OpenAI) Validate(req ir.ChatRequest) error {
	if err := ir.ValidateRequest(req); err != nil {
		return adapter.Wrap(adapter.CodeValidation, err.Error(), false, err)
	}
	return nil
}

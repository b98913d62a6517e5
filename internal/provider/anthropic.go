package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// AnthropicBackend implements adapter.Backend for Anthropic's Messages API.
// Same pattern as GoogleBackend: translate IR into Anthropic's wire format,
// make the HTTP call, translate the wire response back into IR.
type AnthropicBackend struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client

	// CostPerInputToken / CostPerOutputToken feed adapter.CostEstimator —
	// zero means "unknown", which the router's stats treat as no-cost-data
	// rather than free.
	CostPerInputToken  float64
	CostPerOutputToken float64

	// Models is the statically configured set of model IDs this backend
	// serves (config.ProviderConfig.Models). ListModels reports these
	// directly; Anthropic has no model-listing endpoint worth calling.
	Models []string
}

// NewAnthropicBackend creates an AnthropicBackend ready to make API calls.
func NewAnthropicBackend(apiKey, baseURL string, client *http.Client) *AnthropicBackend {
	return &AnthropicBackend{apiKey: apiKey, baseURL: baseURL, client: client}
}

var _ adapter.Backend = (*AnthropicBackend)(nil)
var _ adapter.CostEstimator = (*AnthropicBackend)(nil)
var _ adapter.ModelLister = (*AnthropicBackend)(nil)

// ListModels reports the statically configured model list (spec.md §6
// listModels boundary schema); Source is always "static" since this
// backend has no dynamic model-listing endpoint to call.
func (a *AnthropicBackend) ListModels(_ context.Context, opts adapter.ListModelsOptions) (adapter.ListModelsResult, error) {
	models := make([]adapter.ModelInfo, 0, len(a.Models))
	for _, id := range a.Models {
		info := adapter.ModelInfo{ID: id, Capabilities: a.Capabilities()}
		if opts.Filter != nil && !opts.Filter(info) {
			continue
		}
		models = append(models, info)
	}
	return adapter.ListModelsResult{Models: models, Source: adapter.ModelSourceStatic, IsComplete: true}, nil
}

// InvalidateModelCache is a no-op: a static model list never goes stale.
func (a *AnthropicBackend) InvalidateModelCache(_ string) {}

// Name returns the backend identifier.
func (a *AnthropicBackend) Name() string { return "anthropic" }

// Capabilities describes what the Anthropic Messages API accepts.
func (a *AnthropicBackend) Capabilities() ir.Capabilities {
	return ir.Capabilities{
		Streaming:  true,
		MultiModal: true,
		Tools:      true,
		Seed:       false,
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: true, TopK: true,
			StopSequences: true,
		},
		MaxContextTokens:               200_000,
		SystemMessageStrategy:          ir.SystemSeparateParameter,
		SupportsMultipleSystemMessages: true,
		MaxStopSequences:               4,
		TemperatureRange:               [2]float64{0, 1},
	}
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage carries a content-block array rather than a flat
// string, since Anthropic responses (and requests with tool use or
// images) are themselves block sequences — the same tagged-union shape
// ir.ContentBlock models.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content2  string `json:"content,omitempty"` // only set when Type == tool_result; Content field above is reused for blocks otherwise
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is a lightweight wrapper for initial decoding: it
// carries every field any event type might populate, and the caller
// switches on Type to decide which are meaningful (Go has no union type).
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Message      *anthropicEventMessage `json:"message,omitempty"`
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// anthropicAPIVersion pins the Anthropic API behavior — a date-based
// header instead of a versioned URL path.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is sent when the caller leaves MaxTokens unset —
// Anthropic rejects requests missing this field.
const defaultMaxTokens = 1024

func anthropicRole(r ir.Role) string {
	if r == ir.RoleAssistant {
		return "assistant"
	}
	return "user"
}

func toAnthropicBlock(b ir.ContentBlock) (anthropicContentBlock, error) {
	switch b.Type {
	case ir.ContentText:
		return anthropicContentBlock{Type: "text", Text: b.Text}, nil
	case ir.ContentImage:
		if b.Image == nil {
			return anthropicContentBlock{}, adapter.New(adapter.CodeValidation, "image content block missing source", false)
		}
		return anthropicContentBlock{
			Type:   "image",
			Source: &anthropicImageSource{Type: "base64", MediaType: b.Image.MediaType, Data: b.Image.Data},
		}, nil
	case ir.ContentToolUse:
		return anthropicContentBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}, nil
	case ir.ContentToolResult:
		return anthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolResultForID, Content2: b.ToolResult, IsError: b.IsError}, nil
	default:
		return anthropicContentBlock{}, adapter.New(adapter.CodeUnsupported, fmt.Sprintf("content block type %q unsupported by anthropic backend", b.Type), false)
	}
}

// toAnthropicMessage flattens ir.MessageContent (text-or-blocks) into the
// block array Anthropic's wire format always uses.
func toAnthropicMessage(m ir.Message) (anthropicMessage, error) {
	out := anthropicMessage{Role: anthropicRole(m.Role)}
	if m.Content.Text != nil {
		out.Content = []anthropicContentBlock{{Type: "text", Text: *m.Content.Text}}
		return out, nil
	}
	for _, b := range m.Content.Blocks {
		ab, err := toAnthropicBlock(b)
		if err != nil {
			return anthropicMessage{}, err
		}
		out.Content = append(out.Content, ab)
	}
	return out, nil
}

// buildAnthropicRequest is FromIR's implementation, split out so Execute
// and ExecuteStream share it without an any-typed round trip.
func buildAnthropicRequest(req ir.ChatRequest) (*anthropicRequest, error) {
	ar := &anthropicRequest{Model: req.Parameters.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == ir.RoleSystem {
			if msg.Content.Text != nil {
				systemParts = append(systemParts, *msg.Content.Text)
			}
			continue
		}
		am, err := toAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		ar.Messages = append(ar.Messages, am)
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.Parameters.MaxTokens != nil && *req.Parameters.MaxTokens > 0 {
		ar.MaxTokens = *req.Parameters.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}
	ar.Temperature = req.Parameters.Temperature
	ar.TopP = req.Parameters.TopP
	ar.TopK = req.Parameters.TopK
	ar.StopSequences = req.Parameters.StopSequences

	for _, tool := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name: tool.Name, Description: tool.Description,
			InputSchema: schemaToMap(tool.Parameters),
		})
	}
	return ar, nil
}

// schemaToMap round-trips ir.JSONSchema through encoding/json into a plain
// map — Anthropic's input_schema is untyped JSON Schema, and ir.JSONSchema
// already carries the right `json:"..."` tags to produce it directly.
func schemaToMap(s ir.JSONSchema) map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// FromIR satisfies adapter.Backend.
func (a *AnthropicBackend) FromIR(req ir.ChatRequest) (any, error) {
	return buildAnthropicRequest(req)
}

func anthropicFinishReason(stopReason string) ir.FinishReason {
	switch stopReason {
	case "max_tokens":
		return ir.FinishLength
	case "tool_use":
		return ir.FinishToolCalls
	case "stop_sequence", "end_turn":
		return ir.FinishStop
	default:
		return ir.FinishStop
	}
}

// ToIR satisfies adapter.Backend: wireResponse must be *anthropicResponse,
// the shape Execute decodes the HTTP body into.
func (a *AnthropicBackend) ToIR(wireResponse any) (ir.ChatResponse, error) {
	resp, ok := wireResponse.(*anthropicResponse)
	if !ok {
		return ir.ChatResponse{}, adapter.New(adapter.CodeProvider, "anthropic ToIR: unexpected wire type", false)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.TextContent(text)},
		FinishReason: anthropicFinishReason(resp.StopReason),
		Usage: &ir.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Metadata: ir.Metadata{
			ProviderResponseID: resp.ID,
			Provenance:         ir.Provenance{Backend: "anthropic"},
		},
		Raw: resp,
	}, nil
}

// EstimateCost satisfies adapter.CostEstimator.
func (a *AnthropicBackend) EstimateCost(req ir.ChatRequest, usage *ir.Usage) (float64, bool) {
	if usage == nil || (a.CostPerInputToken == 0 && a.CostPerOutputToken == 0) {
		return 0, false
	}
	return float64(usage.PromptTokens)*a.CostPerInputToken + float64(usage.CompletionTokens)*a.CostPerOutputToken, true
}

// Execute sends a non-streaming request to Anthropic's /v1/messages
// endpoint: translate, serialize, POST, decode, translate back.
func (a *AnthropicBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	anthropicReq, err := buildAnthropicRequest(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeValidation, "marshaling anthropic request", false, err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeNetwork, "creating anthropic request", true, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeNetwork, "sending request to anthropic", true, err)
	}
	defer httpResp.Body.Close()

	if err := anthropicHTTPError(httpResp); err != nil {
		return ir.ChatResponse{}, err
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeProvider, "decoding anthropic response", false, err)
	}

	return a.ToIR(&anthropicResp)
}

// anthropicHTTPError classifies a non-200 response into the adapter
// taxonomy: 429 is rate_limit (honoring Retry-After), 5xx is retryable
// provider, everything else is a non-retryable provider error.
func anthropicHTTPError(httpResp *http.Response) error {
	if httpResp.StatusCode == http.StatusOK {
		return nil
	}
	var errBody map[string]any
	_ = json.NewDecoder(httpResp.Body).Decode(&errBody)
	msg := fmt.Sprintf("anthropic API error (status %d): %v", httpResp.StatusCode, errBody)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		e := adapter.New(adapter.CodeRateLimit, msg, true)
		if ra := httpResp.Header.Get("Retry-After"); ra != "" {
			if secs := parseRetryAfterSeconds(ra); secs > 0 {
				e.RetryAfter = &secs
			}
		}
		return e
	case httpResp.StatusCode >= 500:
		return adapter.New(adapter.CodeProvider, msg, true)
	default:
		return adapter.New(adapter.CodeProvider, msg, false)
	}
}

func parseRetryAfterSeconds(v string) int {
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil {
		return 0
	}
	return secs
}

// ExecuteStream sends a streaming request and translates Anthropic's
// named SSE events directly into ir.StreamChunk values.
func (a *AnthropicBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	anthropicReq, err := buildAnthropicRequest(req)
	if err != nil {
		return nil, err
	}
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeValidation, "marshaling anthropic request", false, err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeNetwork, "creating anthropic request", true, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeNetwork, "sending request to anthropic", true, err)
	}
	if err := anthropicHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}

	ch := make(chan ir.StreamChunk)
	go a.streamLoop(ctx, httpResp, ch)
	return ch, nil
}

// streamLoop owns the HTTP body and the channel: it decodes Anthropic's
// named SSE events (message_start, content_block_delta, message_delta,
// message_stop) and emits the corresponding ir.StreamChunk, accumulating
// the metadata Anthropic spreads across multiple events into one terminal
// "done" chunk.
func (a *AnthropicBackend) streamLoop(ctx context.Context, httpResp *http.Response, ch chan<- ir.StreamChunk) {
	defer close(ch)
	defer httpResp.Body.Close()

	var (
		respID       string
		inputTokens  int
		outputTokens int
		stopReason   string
		seq          int
	)

	send := func(c ir.StreamChunk) bool {
		c.Sequence = seq
		seq++
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			send(ir.StreamChunk{Type: ir.ChunkError, Error: &ir.ChunkErrorPayload{
				Code: string(adapter.CodeProvider), Message: "decoding anthropic stream event: " + err.Error(),
			}})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				respID = event.Message.ID
				inputTokens = event.Message.Usage.InputTokens
			}
			if !send(ir.StreamChunk{
				Type: ir.ChunkStart,
				StartMetadata: ir.Metadata{
					ProviderResponseID: respID,
					Provenance:         ir.Provenance{Backend: "anthropic"},
				},
				Role: ir.RoleAssistant,
			}) {
				return
			}

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				continue
			}
			if !send(ir.StreamChunk{Type: ir.ChunkContent, Delta: event.Delta.Text, Role: ir.RoleAssistant}) {
				return
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			send(ir.StreamChunk{
				Type:         ir.ChunkDone,
				FinishReason: anthropicFinishReason(stopReason),
				DoneUsage: &ir.Usage{
					PromptTokens: inputTokens, CompletionTokens: outputTokens,
					TotalTokens: inputTokens + outputTokens,
				},
			})
			return

		// content_block_start, content_block_stop, ping carry nothing this
		// adapter needs.
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		send(ir.StreamChunk{Type: ir.ChunkError, Error: &ir.ChunkErrorPayload{
			Code: string(adapter.CodeNetwork), Message: "reading anthropic stream: " + err.Error(),
		}})
	}
}

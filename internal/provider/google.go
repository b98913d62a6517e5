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

// GoogleBackend implements adapter.Backend for Google's Gemini
// generateContent/streamGenerateContent API.
type GoogleBackend struct {
	apiKey  string // sent as a query parameter, not a header
	baseURL string // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client

	CostPerInputToken  float64
	CostPerOutputToken float64

	// Models is the statically configured set of model IDs this backend
	// serves (config.ProviderConfig.Models).
	Models []string
}

// NewGoogleBackend creates a GoogleBackend ready to make API calls.
func NewGoogleBackend(apiKey, baseURL string, client *http.Client) *GoogleBackend {
	return &GoogleBackend{apiKey: apiKey, baseURL: baseURL, client: client}
}

var _ adapter.Backend = (*GoogleBackend)(nil)
var _ adapter.CostEstimator = (*GoogleBackend)(nil)
var _ adapter.ModelLister = (*GoogleBackend)(nil)

func (g *GoogleBackend) Name() string { return "google" }

// ListModels reports the statically configured model list (spec.md §6
// listModels boundary schema); Source is always "static" since the
// router, not this backend, owns the cache that turns repeat calls into
// adapter.ModelSourceCache results.
func (g *GoogleBackend) ListModels(_ context.Context, opts adapter.ListModelsOptions) (adapter.ListModelsResult, error) {
	models := make([]adapter.ModelInfo, 0, len(g.Models))
	for _, id := range g.Models {
		info := adapter.ModelInfo{ID: id, Capabilities: g.Capabilities()}
		if opts.Filter != nil && !opts.Filter(info) {
			continue
		}
		models = append(models, info)
	}
	return adapter.ListModelsResult{Models: models, Source: adapter.ModelSourceStatic, IsComplete: true}, nil
}

// InvalidateModelCache is a no-op: a static model list never goes stale.
func (g *GoogleBackend) InvalidateModelCache(_ string) {}

// Capabilities describes what Gemini's generateContent API accepts.
func (g *GoogleBackend) Capabilities() ir.Capabilities {
	return ir.Capabilities{
		Streaming:  true,
		MultiModal: true,
		Tools:      true,
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: true, TopK: true,
			StopSequences: true,
		},
		MaxContextTokens:               1_000_000,
		SystemMessageStrategy:          ir.SystemSeparateParameter,
		SupportsMultipleSystemMessages: true,
		MaxStopSequences:               5,
		TemperatureRange:               [2]float64{0, 2},
	}
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

// geminiContent is one message. Parts is an array because Gemini is
// multimodal (text, inline image data, function calls all live there).
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                `json:"text,omitempty"`
	InlineData       *geminiInlineData     `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResult `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func geminiRole(r ir.Role) string {
	if r == ir.RoleAssistant {
		return "model"
	}
	return "user"
}

func toGeminiPart(b ir.ContentBlock) (geminiPart, error) {
	switch b.Type {
	case ir.ContentText:
		return geminiPart{Text: b.Text}, nil
	case ir.ContentImage:
		if b.Image == nil {
			return geminiPart{}, adapter.New(adapter.CodeValidation, "image content block missing source", false)
		}
		return geminiPart{InlineData: &geminiInlineData{MimeType: b.Image.MediaType, Data: b.Image.Data}}, nil
	case ir.ContentToolUse:
		return geminiPart{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: b.ToolInput}}, nil
	case ir.ContentToolResult:
		var resp map[string]any
		if err := json.Unmarshal([]byte(b.ToolResult), &resp); err != nil {
			resp = map[string]any{"result": b.ToolResult}
		}
		return geminiPart{FunctionResponse: &geminiFunctionResult{Name: b.ToolResultForID, Response: resp}}, nil
	default:
		return geminiPart{}, adapter.New(adapter.CodeUnsupported, fmt.Sprintf("content block type %q unsupported by google backend", b.Type), false)
	}
}

func toGeminiContent(m ir.Message) (geminiContent, error) {
	out := geminiContent{Role: geminiRole(m.Role)}
	if m.Content.Text != nil {
		out.Parts = []geminiPart{{Text: *m.Content.Text}}
		return out, nil
	}
	for _, b := range m.Content.Blocks {
		p, err := toGeminiPart(b)
		if err != nil {
			return geminiContent{}, err
		}
		out.Parts = append(out.Parts, p)
	}
	return out, nil
}

// buildGeminiRequest handles the three structural differences from IR:
// system messages move to systemInstruction, messages become contents
// with parts, and sampling parameters nest under generationConfig.
func buildGeminiRequest(req ir.ChatRequest) (*geminiRequest, error) {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == ir.RoleSystem {
			if msg.Content.Text == nil {
				continue
			}
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: *msg.Content.Text}}}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: *msg.Content.Text})
			}
			continue
		}
		gc, err := toGeminiContent(msg)
		if err != nil {
			return nil, err
		}
		gr.Contents = append(gr.Contents, gc)
	}

	p := req.Parameters
	if p.MaxTokens != nil || p.Temperature != nil || p.TopP != nil || p.TopK != nil || len(p.StopSequences) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature: p.Temperature, TopP: p.TopP, TopK: p.TopK, StopSequences: p.StopSequences,
		}
		if p.MaxTokens != nil {
			gr.GenerationConfig.MaxOutputTokens = *p.MaxTokens
		}
	}

	for _, tool := range req.Tools {
		gr.Tools = append(gr.Tools, geminiTool{FunctionDeclarations: []geminiFunctionDeclaration{{
			Name: tool.Name, Description: tool.Description, Parameters: schemaToMap(tool.Parameters),
		}}})
	}

	return gr, nil
}

func (g *GoogleBackend) FromIR(req ir.ChatRequest) (any, error) {
	return buildGeminiRequest(req)
}

func geminiFinishReason(reason string) ir.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return ir.FinishLength
	case "SAFETY", "RECITATION":
		return ir.FinishContentFilter
	case "STOP", "":
		return ir.FinishStop
	default:
		return ir.FinishStop
	}
}

func (g *GoogleBackend) ToIR(wireResponse any) (ir.ChatResponse, error) {
	resp, ok := wireResponse.(*geminiResponse)
	if !ok {
		return ir.ChatResponse{}, adapter.New(adapter.CodeProvider, "google ToIR: unexpected wire type", false)
	}
	if len(resp.Candidates) == 0 {
		return ir.ChatResponse{}, adapter.New(adapter.CodeProvider, "gemini returned no candidates", false)
	}

	candidate := resp.Candidates[0]
	var text string
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}

	out := ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.TextContent(text)},
		FinishReason: geminiFinishReason(candidate.FinishReason),
		Metadata:     ir.Metadata{Provenance: ir.Provenance{Backend: "google"}},
		Raw:          resp,
	}
	if resp.UsageMetadata != nil {
		out.Usage = &ir.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (g *GoogleBackend) EstimateCost(req ir.ChatRequest, usage *ir.Usage) (float64, bool) {
	if usage == nil || (g.CostPerInputToken == 0 && g.CostPerOutputToken == 0) {
		return 0, false
	}
	return float64(usage.PromptTokens)*g.CostPerInputToken + float64(usage.CompletionTokens)*g.CostPerOutputToken, true
}

func (g *GoogleBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	geminiReq, err := buildGeminiRequest(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeValidation, "marshaling gemini request", false, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, req.Parameters.Model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeNetwork, "creating gemini request", true, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeNetwork, "sending request to gemini", true, err)
	}
	defer httpResp.Body.Close()

	if err := geminiHTTPError(httpResp); err != nil {
		return ir.ChatResponse{}, err
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return ir.ChatResponse{}, adapter.Wrap(adapter.CodeProvider, "decoding gemini response", false, err)
	}

	return g.ToIR(&geminiResp)
}

func geminiHTTPError(httpResp *http.Response) error {
	if httpResp.StatusCode == http.StatusOK {
		return nil
	}
	var errBody map[string]any
	_ = json.NewDecoder(httpResp.Body).Decode(&errBody)
	msg := fmt.Sprintf("gemini API error (status %d): %v", httpResp.StatusCode, errBody)
	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return adapter.New(adapter.CodeRateLimit, msg, true)
	case httpResp.StatusCode >= 500:
		return adapter.New(adapter.CodeProvider, msg, true)
	default:
		return adapter.New(adapter.CodeProvider, msg, false)
	}
}

func (g *GoogleBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	geminiReq, err := buildGeminiRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeValidation, "marshaling gemini request", false, err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, req.Parameters.Model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeNetwork, "creating gemini request", true, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, adapter.Wrap(adapter.CodeNetwork, "sending request to gemini", true, err)
	}
	if err := geminiHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}

	ch := make(chan ir.StreamChunk)
	go g.streamLoop(ctx, req.Parameters.Model, httpResp, ch)
	return ch, nil
}

func (g *GoogleBackend) streamLoop(ctx context.Context, model string, httpResp *http.Response, ch chan<- ir.StreamChunk) {
	defer close(ch)
	defer httpResp.Body.Close()

	var (
		seq      int
		started  bool
		finalUsage *ir.Usage
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

		var geminiResp geminiResponse
		if err := json.Unmarshal([]byte(jsonData), &geminiResp); err != nil {
			send(ir.StreamChunk{Type: ir.ChunkError, Error: &ir.ChunkErrorPayload{
				Code: string(adapter.CodeProvider), Message: "decoding gemini stream event: " + err.Error(),
			}})
			return
		}
		if len(geminiResp.Candidates) == 0 {
			continue
		}

		if !started {
			started = true
			if !send(ir.StreamChunk{
				Type:          ir.ChunkStart,
				StartMetadata: ir.Metadata{Provenance: ir.Provenance{Backend: "google"}},
				Role:          ir.RoleAssistant,
			}) {
				return
			}
		}

		candidate := geminiResp.Candidates[0]
		var delta string
		for _, part := range candidate.Content.Parts {
			delta += part.Text
		}
		if delta != "" {
			if !send(ir.StreamChunk{Type: ir.ChunkContent, Delta: delta, Role: ir.RoleAssistant}) {
				return
			}
		}

		if geminiResp.UsageMetadata != nil {
			finalUsage = &ir.Usage{
				PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
				CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
			}
		}

		if candidate.FinishReason != "" {
			send(ir.StreamChunk{
				Type:         ir.ChunkDone,
				FinishReason: geminiFinishReason(candidate.FinishReason),
				DoneUsage:    finalUsage,
			})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ir.StreamChunk{Type: ir.ChunkError, Error: &ir.ChunkErrorPayload{
			Code: string(adapter.CodeNetwork), Message: "reading gemini stream: " + err.Error(),
		}})
	}
}

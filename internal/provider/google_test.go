package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

func TestGoogleBackendExecuteDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.0-flash:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		resp := geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: "hi there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	backend := NewGoogleBackend("test-key", srv.URL, srv.Client())
	resp, err := backend.Execute(context.Background(), chatRequest("gemini-2.0-flash", "hi"))
	require.NoError(t, err)

	assert.Equal(t, "hi there", *resp.Message.Content.Text)
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Equal(t, "google", resp.Metadata.Provenance.Backend)
}

func TestGoogleBackendExecuteMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "slow down"})
	}))
	defer srv.Close()

	backend := NewGoogleBackend("test-key", srv.URL, srv.Client())
	_, err := backend.Execute(context.Background(), chatRequest("gemini-2.0-flash", "hi"))
	require.Error(t, err)

	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeRateLimit, ae.Code)
}

func TestGoogleBackendExecuteStreamEmitsStartContentAndDone(t *testing.T) {
	const body = `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"he"}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"llo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}

`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	backend := NewGoogleBackend("test-key", srv.URL, srv.Client())
	chunks, err := backend.ExecuteStream(context.Background(), chatRequest("gemini-2.0-flash", "hi"))
	require.NoError(t, err)

	var got []ir.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}

	require.Len(t, got, 3)
	assert.Equal(t, ir.ChunkStart, got[0].Type)
	assert.Equal(t, ir.ChunkContent, got[1].Type)
	assert.Equal(t, "he", got[1].Delta)
	assert.Equal(t, ir.ChunkDone, got[2].Type)
	assert.Equal(t, 3, got[2].DoneUsage.TotalTokens)
}

func TestGoogleBackendToIRErrorsOnNoCandidates(t *testing.T) {
	backend := NewGoogleBackend("k", "http://example.invalid", http.DefaultClient)
	_, err := backend.ToIR(&geminiResponse{})
	require.Error(t, err)
	ae, ok := adapter.AsError(err)
	require.True(t, ok)
	assert.Equal(t, adapter.CodeProvider, ae.Code)
}

func TestGoogleBackendListModelsReportsConfiguredModelsStatically(t *testing.T) {
	backend := NewGoogleBackend("k", "http://example.invalid", http.DefaultClient)
	backend.Models = []string{"gemini-2.0-flash", "gemini-2.0-pro"}

	result, err := backend.ListModels(context.Background(), adapter.ListModelsOptions{})
	require.NoError(t, err)
	assert.Equal(t, adapter.ModelSourceStatic, result.Source)
	require.Len(t, result.Models, 2)
	assert.Equal(t, "gemini-2.0-pro", result.Models[1].ID)
}

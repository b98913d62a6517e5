package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/bridge"
	"github.com/nolanh/llmfabric/internal/stream"
)

// handleHealth reports process liveness; readiness (backend health) is
// exposed separately through /stats and the router's own health checker.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports the OpenAI-frontend bridge's aggregate stats. Both
// bridges share the same underlying router, so either would report
// equivalent backend-level numbers; the OpenAI bridge is chosen as the
// canonical one to avoid double-counting in a single response.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.openAI.Stats())
}

// handleChatCompletions serves the OpenAI-compatible /v1/chat/completions
// route, dispatching to the streaming or unary path by the request body's
// "stream" field.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	handleBridgeRequest(w, r, s.openAI)
}

// handleMessages serves the Anthropic-compatible /v1/messages route.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	handleBridgeRequest(w, r, s.anthropic)
}

// handleListModels serves /v1/models/{backend}, the listModels boundary
// (spec.md §6). A bare ?force_refresh=true query param bypasses the
// router's cache.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.backends == nil {
		writeJSONError(w, http.StatusNotImplemented, "model listing is not configured")
		return
	}
	backend := chi.URLParam(r, "backend")
	opts := adapter.ListModelsOptions{ForceRefresh: r.URL.Query().Get("force_refresh") == "true"}
	result, err := s.backends.ListModels(r.Context(), backend, opts)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleBridgeRequest(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	body, err := readBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if isStreamingRequest(body) {
		handleStreamingCall(w, r, b, body)
		return
	}

	resp, err := b.Chat(r.Context(), body)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func handleStreamingCall(w http.ResponseWriter, r *http.Request, b *bridge.Bridge, body []byte) {
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.Close()

	if err := b.ChatStream(r.Context(), body, sse); err != nil {
		// Headers are already committed to the client by the first flush
		// inside ChatStream's frontend.FromIRStream; report the failure as
		// a best-effort terminal SSE frame instead of an HTTP status.
		_ = sse.WriteFrame([]byte(`{"error":"` + err.Error() + `"}`))
	}
}

// isStreamingRequest peeks the request body for a top-level "stream" bool,
// the same field both OpenAI and Anthropic wire requests expose.
func isStreamingRequest(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	if aerr, ok := adapter.AsError(err); ok {
		writeJSONError(w, statusForCode(aerr.Code), aerr.Message)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func statusForCode(code adapter.Code) int {
	switch code {
	case adapter.CodeValidation:
		return http.StatusBadRequest
	case adapter.CodeRateLimit:
		return http.StatusTooManyRequests
	case adapter.CodeTimeout:
		return http.StatusGatewayTimeout
	case adapter.CodeCancelled:
		return 499
	case adapter.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case adapter.CodeNoBackend:
		return http.StatusServiceUnavailable
	case adapter.CodeUnsupported:
		return http.StatusUnprocessableEntity
	case adapter.CodeNetwork, adapter.CodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

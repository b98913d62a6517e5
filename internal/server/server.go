// Package server sets up the HTTP router, middleware, and request handlers
// that expose a bridge.Bridge over HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nolanh/llmfabric/internal/bridge"
	"github.com/nolanh/llmfabric/internal/config"
	"github.com/nolanh/llmfabric/internal/ratelimit"
	"github.com/nolanh/llmfabric/internal/router"
)

// Server holds the HTTP router and the bridges it fronts.
type Server struct {
	router chi.Router
	cfg    *config.Config

	// openAI serves /v1/chat/completions, anthropic serves /v1/messages.
	// Both wrap the same underlying router/backends through their own
	// bridge.Bridge, differing only in wire shape (spec.md §4.1 "N
	// frontends, M backends").
	openAI    *bridge.Bridge
	anthropic *bridge.Bridge

	// backends serves /v1/models/{backend}, the listModels boundary
	// (spec.md §6) backing both bridges above.
	backends *router.Router

	limiter   *ratelimit.Limiter
	validator ratelimit.Validator
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, openAI, anthropic *bridge.Bridge, backends *router.Router, limiter *ratelimit.Limiter, validator ratelimit.Validator) *Server {
	s := &Server{cfg: cfg, openAI: openAI, anthropic: anthropic, backends: backends, limiter: limiter, validator: validator}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	if s.validator != nil {
		r.Use(s.authenticate)
	}
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/messages", s.handleMessages)
	r.Get("/v1/models/{backend}", s.handleListModels)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticate rejects requests the configured ratelimit.Validator doesn't
// accept (spec.md §6 "credential validation").
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validator(r) {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the fixed-window limiter keyed by remote address
// (spec.md §6).
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

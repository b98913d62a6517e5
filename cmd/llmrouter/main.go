// Package main is the entry point for the llmfabric gateway.
package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/breaker"
	"github.com/nolanh/llmfabric/internal/bridge"
	"github.com/nolanh/llmfabric/internal/cache"
	"github.com/nolanh/llmfabric/internal/config"
	"github.com/nolanh/llmfabric/internal/frontend"
	"github.com/nolanh/llmfabric/internal/metrics"
	"github.com/nolanh/llmfabric/internal/middleware"
	"github.com/nolanh/llmfabric/internal/provider"
	"github.com/nolanh/llmfabric/internal/ratelimit"
	"github.com/nolanh/llmfabric/internal/router"
	"github.com/nolanh/llmfabric/internal/server"
)

// backendFactory builds a backend adapter from a provider config entry.
type backendFactory func(cfg config.ProviderConfig, client *http.Client) adapter.Backend

var backendConstructors = map[string]backendFactory{
	"google": func(cfg config.ProviderConfig, client *http.Client) adapter.Backend {
		b := provider.NewGoogleBackend(cfg.APIKey, cfg.BaseURL, client)
		b.CostPerInputToken = cfg.CostPerInputToken
		b.CostPerOutputToken = cfg.CostPerOutputToken
		b.Models = cfg.Models
		return b
	},
	"anthropic": func(cfg config.ProviderConfig, client *http.Client) adapter.Backend {
		b := provider.NewAnthropicBackend(cfg.APIKey, cfg.BaseURL, client)
		b.CostPerInputToken = cfg.CostPerInputToken
		b.CostPerOutputToken = cfg.CostPerOutputToken
		b.Models = cfg.Models
		return b
	},
}

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metricsReg := prometheus.NewRegistry()
	var metricsRegistry *metrics.Registry
	if cfg.Metrics.Enabled {
		metricsRegistry = metrics.New(metricsReg)
	}

	modelCache := buildModelCache(cfg.Cache)

	httpClient := provider.DefaultHTTPClient(30 * time.Second)

	r := router.New(router.Config{
		Selection: router.SelectionConfig{
			Strategy:       router.Strategy(cfg.Router.Strategy),
			DefaultBackend: cfg.Router.DefaultBackend,
			ModelMapping:   cfg.Router.ModelMapping,
		},
		Fallback: router.FallbackStrategy(cfg.Router.Fallback),
		BreakerConfig: breaker.Config{
			Threshold: cfg.Router.Breaker.Threshold,
			Timeout:   cfg.Router.Breaker.Timeout,
		},
		HealthCheckInterval: cfg.Router.HealthCheckInterval,
		ModelCache:          modelCache,
		Metrics:             metricsRegistry,
	})

	for name, provCfg := range cfg.Providers {
		factory, ok := backendConstructors[name]
		if !ok {
			log.Fatalf("unknown provider in config: %q", name)
		}
		backend := factory(provCfg, httpClient)
		r.RegisterBackend(name, backend, map[string]any{"models": provCfg.Models})
		for _, model := range provCfg.Models {
			log.Printf("registered model %q -> backend %q", model, name)
		}
	}
	r.Start()
	defer r.Stop()

	openAIBridge := bridge.New(bridge.Config{
		Frontend:      &frontend.OpenAI{Name: "openai"},
		Backend:       r,
		Stack:         buildMiddlewareStack(cfg.Middleware),
		AutoRequestID: true,
	})
	anthropicBridge := bridge.New(bridge.Config{
		Frontend:      &frontend.Anthropic{Name: "anthropic"},
		Backend:       r,
		Stack:         buildMiddlewareStack(cfg.Middleware),
		AutoRequestID: true,
	})

	var limiter *ratelimit.Limiter
	if cfg.Middleware.RateLimitMax > 0 {
		limiter = ratelimit.New(cfg.Middleware.RateLimitMax, cfg.Middleware.RateLimitWindow)
	}

	validator := buildCredentialValidator(cfg.Middleware)

	srv := server.New(cfg, openAIBridge, anthropicBridge, r, limiter, validator)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmfabric listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildModelCache constructs the store cfg.Cache names, defaulting to an
// in-process store when "redis" is configured without a usable address.
func buildModelCache(cfg config.CacheConfig) *cache.ModelCache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cfg.Backend == "redis" && cfg.RedisAddr != "" {
		client := newRedisClient(cfg.RedisAddr)
		return cache.New(cache.NewRedisStore(client, "llmfabric:models:"), ttl)
	}
	return cache.New(cache.NewMemStore(), ttl)
}

// buildCredentialValidator selects one of internal/ratelimit's credential
// validators by cfg.AuthType; an empty AuthType leaves request
// authentication disabled (spec.md §6 treats it as an optional boundary
// concern, not a mandatory one).
func buildCredentialValidator(cfg config.MiddlewareConfig) ratelimit.Validator {
	switch cfg.AuthType {
	case "bearer":
		return ratelimit.NewBearerTokenValidator(cfg.AuthToken)
	case "api_key":
		return ratelimit.NewAPIKeyValidator(cfg.AuthHeaderName, cfg.AuthAPIKey)
	case "basic":
		return ratelimit.NewBasicAuthValidator(cfg.AuthUsername, cfg.AuthPassword)
	default:
		return nil
	}
}

func newRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// buildMiddlewareStack assembles the onion-ordered middleware chain from
// cfg — validation first (reject/redact before anything costs a network
// call), then retry as the outermost backend-facing layer so a retried
// attempt re-enters validation-free (spec.md §4.4 "Composition order").
func buildMiddlewareStack(cfg config.MiddlewareConfig) *middleware.Stack {
	stack := middleware.New()

	validation := middleware.ProductionValidationPreset()
	if cfg.ValidationPreset == "development" {
		validation = middleware.DevelopmentValidationPreset()
	}
	stack.Use("validation", middleware.Validation(validation))

	retryCfg := middleware.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
	}
	stack.Use("retry", middleware.Retry(retryCfg))
	stack.UseStream("retry", middleware.RetryStream(retryCfg))

	return stack
}

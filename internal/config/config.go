// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter gateway.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Providers  map[string]ProviderConfig `koanf:"providers"`
	Router     RouterConfig              `koanf:"router"`
	Middleware MiddlewareConfig          `koanf:"middleware"`
	Cache      CacheConfig               `koanf:"cache"`
	Metrics    MetricsConfig             `koanf:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider backend.
type ProviderConfig struct {
	APIKey             string   `koanf:"api_key"`
	BaseURL            string   `koanf:"base_url"`
	Models             []string `koanf:"models"`
	CostPerInputToken  float64  `koanf:"cost_per_input_token"`
	CostPerOutputToken float64  `koanf:"cost_per_output_token"`
}

// RouterConfig configures internal/router's selection strategy, fallback
// behavior, and circuit breaker defaults (spec.md §4.6).
type RouterConfig struct {
	// Strategy is one of: explicit, model-based, round-robin, random,
	// cost-optimized, latency-optimized, capability-based, custom, sticky.
	Strategy       string            `koanf:"strategy"`
	DefaultBackend string            `koanf:"default_backend"`
	ModelMapping   map[string]string `koanf:"model_mapping"`

	// Fallback is one of: none, sequential, parallel, custom.
	Fallback            string        `koanf:"fallback"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`

	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures internal/breaker's per-backend circuit state.
type BreakerConfig struct {
	Threshold int           `koanf:"threshold"`
	Timeout   time.Duration `koanf:"timeout"`
}

// MiddlewareConfig selects ambient middleware presets and their knobs
// (spec.md §4.4).
type MiddlewareConfig struct {
	// ValidationPreset is "production" or "development"; see
	// internal/middleware.ProductionValidationPreset /
	// DevelopmentValidationPreset.
	ValidationPreset string `koanf:"validation_preset"`

	RetryMaxAttempts  int           `koanf:"retry_max_attempts"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`

	RateLimitMax    int           `koanf:"rate_limit_max"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// AuthType selects the credential validator internal/server mounts:
	// "", "bearer", "api_key", or "basic" (spec.md §6 "credential
	// validation"). Empty disables request authentication entirely.
	AuthType string `koanf:"auth_type"`

	// AuthToken is the bearer token when AuthType is "bearer".
	AuthToken string `koanf:"auth_token"`

	// AuthHeaderName / AuthAPIKey are the header name and expected value
	// when AuthType is "api_key".
	AuthHeaderName string `koanf:"auth_header_name"`
	AuthAPIKey     string `koanf:"auth_api_key"`

	// AuthUsername / AuthPassword are the expected credentials when
	// AuthType is "basic".
	AuthUsername string `koanf:"auth_username"`
	AuthPassword string `koanf:"auth_password"`
}

// CacheConfig selects the model-list cache backend (spec.md §6).
type CacheConfig struct {
	// Backend is "memory" or "redis"; redis fields are ignored otherwise.
	Backend    string        `koanf:"backend"`
	RedisAddr  string        `koanf:"redis_addr"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// MetricsConfig toggles Prometheus metrics collection.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMFABRIC_" can override a config value:
	//   LLMFABRIC_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMFABRIC_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMFABRIC_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1]
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p
		}
	}

	return &cfg, nil
}

// defaultConfig seeds the values used when the file and env layers leave a
// key unset — koanf.Unmarshal only overwrites keys actually present in the
// file/env layers, so these survive as the floor.
func defaultConfig() Config {
	return Config{
		Router: RouterConfig{
			Strategy:            "round-robin",
			Fallback:            "sequential",
			HealthCheckInterval: 30 * time.Second,
			Breaker: BreakerConfig{
				Threshold: 5,
				Timeout:   30 * time.Second,
			},
		},
		Middleware: MiddlewareConfig{
			ValidationPreset:  "production",
			RetryMaxAttempts:  3,
			RetryInitialDelay: 200 * time.Millisecond,
			RateLimitMax:      60,
			RateLimitWindow:   time.Minute,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			DefaultTTL: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "llmfabric",
		},
	}
}

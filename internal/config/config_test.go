package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary YAML config file with known values.
	// t.TempDir() gives us a directory that's auto-deleted after the test.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

providers:
  google:
    api_key: ${TEST_API_KEY}
    base_url: https://example.com/v1
    models:
      - model-a
      - model-b
`
	// os.WriteFile writes a byte slice to a file. The 0644 is the Unix file
	// permission (owner read/write, group and others read-only).
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err) // require stops the test immediately if this fails

	// Set the environment variable that ${TEST_API_KEY} should resolve to.
	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_API_KEY", "my-secret-key")

	// Load the config.
	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Assert server config values.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	// Assert provider config values.
	google, ok := cfg.Providers["google"]
	assert.True(t, ok, "google provider should exist")
	assert.Equal(t, "my-secret-key", google.APIKey)
	assert.Equal(t, "https://example.com/v1", google.BaseURL)
	assert.Equal(t, []string{"model-a", "model-b"}, google.Models)
}

func TestLoadEnvOverride(t *testing.T) {
	// Verify that LLMFABRIC_ env vars override YAML values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// This should override server.port from 8080 to 3000.
	t.Setenv("LLMFABRIC_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadAppliesDefaultsForSectionsOmittedFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "round-robin", cfg.Router.Strategy)
	assert.Equal(t, "sequential", cfg.Router.Fallback)
	assert.Equal(t, 5, cfg.Router.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Router.Breaker.Timeout)
	assert.Equal(t, "production", cfg.Middleware.ValidationPreset)
	assert.Equal(t, 3, cfg.Middleware.RetryMaxAttempts)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadRouterAndMiddlewareSections(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
router:
  strategy: cost-optimized
  default_backend: google
  fallback: parallel
  breaker:
    threshold: 10
    timeout: 15s

middleware:
  validation_preset: development
  retry_max_attempts: 5
  rate_limit_max: 120
  rate_limit_window: 30s

cache:
  backend: redis
  redis_addr: localhost:6379

metrics:
  enabled: false
  namespace: custom_ns
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "cost-optimized", cfg.Router.Strategy)
	assert.Equal(t, "google", cfg.Router.DefaultBackend)
	assert.Equal(t, "parallel", cfg.Router.Fallback)
	assert.Equal(t, 10, cfg.Router.Breaker.Threshold)
	assert.Equal(t, 15*time.Second, cfg.Router.Breaker.Timeout)

	assert.Equal(t, "development", cfg.Middleware.ValidationPreset)
	assert.Equal(t, 5, cfg.Middleware.RetryMaxAttempts)
	assert.Equal(t, 120, cfg.Middleware.RateLimitMax)
	assert.Equal(t, 30*time.Second, cfg.Middleware.RateLimitWindow)

	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)

	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "custom_ns", cfg.Metrics.Namespace)
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.MultiTenancyEnabled)
	assert.True(t, cfg.RateLimitingEnabled)
	assert.Equal(t, 10, cfg.RateLimitingDefaultRPS)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 3, cfg.DispatchMaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.JobTTL)
	assert.Equal(t, "providers.yaml", cfg.ProvidersFile)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9999")
	t.Setenv("MULTITENANCY_ENABLED", "false")
	t.Setenv("DISPATCH_BACKOFF_BASE", "50ms")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.False(t, cfg.MultiTenancyEnabled)
	assert.Equal(t, 50*time.Millisecond, cfg.DispatchBackoffBase)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsProd())
}

func TestAPIKeyHashes(t *testing.T) {
	t.Parallel()
	cfg := config.Config{TenantAPIKeys: "acme=$2a$10$hashone, beta=$2a$10$hashtwo ,, =nokey, novalue="}
	hashes := cfg.APIKeyHashes()
	assert.Equal(t, map[string]string{
		"acme": "$2a$10$hashone",
		"beta": "$2a$10$hashtwo",
	}, hashes)

	assert.Empty(t, config.Config{}.APIKeyHashes())
}

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProviderCatalog(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, `
providers:
  - id: local-stub
    kind: stub
    enabled: true
    priority: 10
    models: [echo-1]
    devices: [cpu]
  - id: upstream
    kind: openai-compatible
    base_url: http://vllm:8000/v1
    api_key_env: UPSTREAM_KEY
    max_context_tokens: 8192
    max_output_tokens: 4096
    models: [gpt-test]
`)
	cat, err := config.LoadProviderCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Providers, 2)
	assert.Equal(t, "local-stub", cat.Providers[0].ID)
	assert.True(t, cat.Providers[0].Enabled)
	assert.Equal(t, []string{"echo-1"}, cat.Providers[0].Models)
	assert.Equal(t, "http://vllm:8000/v1", cat.Providers[1].BaseURL)
	assert.Equal(t, 8192, cat.Providers[1].MaxContextTokens)
	assert.Equal(t, 4096, cat.Providers[1].MaxOutputTokens)
}

func TestLoadProviderCatalog_DuplicateID(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, `
providers:
  - id: dup
    kind: stub
  - id: dup
    kind: stub
`)
	_, err := config.LoadProviderCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider id")
}

func TestLoadProviderCatalog_MissingID(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, `
providers:
  - kind: stub
`)
	_, err := config.LoadProviderCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id required")
}

func TestLoadProviderCatalog_FileMissing(t *testing.T) {
	t.Parallel()
	_, err := config.LoadProviderCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog not found")
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("UPSTREAM_KEY", "sk-test")
	cfg, err := config.LoadProviderCatalog(writeCatalog(t, `
providers:
  - id: upstream
    kind: openai-compatible
    api_key_env: UPSTREAM_KEY
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", config.ResolveAPIKey(cfg.Providers[0]))

	noEnv := cfg.Providers[0]
	noEnv.APIKeyEnv = ""
	assert.Empty(t, config.ResolveAPIKey(noEnv))
}

//go:build !integration && !e2e
// +build !integration,!e2e

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromEnvironment(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Proxy.Host)
	assert.Equal(t, 8000, cfg.Proxy.Port)
	assert.Equal(t, "0.0.0.0:8000", cfg.Proxy.Addr())
	assert.Equal(t, 30*time.Second, cfg.Proxy.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.Proxy.CORSAllowOrigins)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Upstream.FirstByteTimeout)
	assert.Empty(t, cfg.Upstream.AllowedModels)
	assert.Equal(t, "@every 1m", cfg.Sessions.SweepSchedule)
	assert.Nil(t, cfg.Sessions.AutoEnrollRegexp())
	assert.Equal(t, DefaultSecretKey, cfg.Security.SecretKey)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 30*24*time.Hour, cfg.RequestLogs.Retention())
	assert.NotEmpty(t, cfg.Database.Path)
	assert.NotEmpty(t, cfg.LogRotation.Dir)
}

func TestLoadFromEnvironment_Overrides(t *testing.T) {
	cfg, err := LoadFromEnvironment(map[string]string{
		"LLM_PROXY_PORT":                         "9090",
		"LLM_PROXY_UPSTREAM_BASE_URL":            "http://localhost:11434/v1",
		"LLM_PROXY_UPSTREAM_API_KEY":             "sk-default",
		"LLM_PROXY_UPSTREAM_ALLOWED_MODELS":      "gpt-4o,gpt-4o-mini",
		"LLM_PROXY_UPSTREAM_IDLE_TIMEOUT":        "15s",
		"LLM_PROXY_SESSIONS_FILE":                "/etc/proxy/sessions.yaml",
		"LLM_PROXY_SESSIONS_DEFAULT_TTL":         "2h",
		"LLM_PROXY_SESSIONS_AUTO_ENROLL_PATTERN": `^kavachat:[0-9a-f-]{36}:[0-9a-f-]{36}$`,
		"LLM_PROXY_ADMIN_TOKEN":                  "admin-secret",
		"LLM_PROXY_DB":                           "/tmp/proxy.db",
		"LLM_PROXY_RATE_LIMIT_MAX_REQUESTS":      "5",
		"LLM_PROXY_REQUEST_LOGS_ENABLED":         "false",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Proxy.Port)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, cfg.Upstream.AllowedModels)
	assert.Equal(t, 15*time.Second, cfg.Upstream.IdleTimeout)
	assert.Equal(t, "/etc/proxy/sessions.yaml", cfg.Sessions.File)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.DefaultTTL)
	require.NotNil(t, cfg.Sessions.AutoEnrollRegexp())
	assert.True(t, cfg.Sessions.AutoEnrollRegexp().MatchString(
		"kavachat:123e4567-e89b-12d3-a456-426614174000:123e4567-e89b-12d3-a456-426614174001"))
	assert.Equal(t, "admin-secret", cfg.Security.AdminToken)
	assert.Equal(t, "/tmp/proxy.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.False(t, cfg.RequestLogs.Enabled)
}

func TestLoadFromEnvironment_ParseError(t *testing.T) {
	_, err := LoadFromEnvironment(map[string]string{"LLM_PROXY_PORT": "eighty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port too low", func(c *Config) { c.Proxy.Port = 0 }, "proxy.port"},
		{"port too high", func(c *Config) { c.Proxy.Port = 70000 }, "proxy.port"},
		{"bad log level", func(c *Config) { c.Proxy.LogLevel = "LOUD" }, "proxy.log_level"},
		{"relative base url", func(c *Config) { c.Upstream.BaseURL = "api.openai.com/v1" }, "upstream.base_url"},
		{"zero idle timeout", func(c *Config) { c.Upstream.IdleTimeout = 0 }, "upstream"},
		{"negative ttl", func(c *Config) { c.Sessions.DefaultTTL = -time.Second }, "sessions.default_ttl"},
		{"bad sweep schedule", func(c *Config) { c.Sessions.SweepSchedule = "sometimes" }, "sessions.sweep_schedule"},
		{"bad enroll pattern", func(c *Config) { c.Sessions.AutoEnrollPattern = "([" }, "sessions.auto_enroll_pattern"},
		{"enroll without credential", func(c *Config) { c.Sessions.AutoEnrollPattern = "^s-" }, "upstream.api_key"},
		{"short secret", func(c *Config) { c.Security.SecretKey = "short" }, "security.secret_key"},
		{"rate limit window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }, "rate_limit"},
		{"bad prune schedule", func(c *Config) { c.RequestLogs.PruneSchedule = "0 3 * *" }, "request_logs.prune_schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Defaults().Validate())
	})
	t.Run("rate limit off skips its checks", func(t *testing.T) {
		cfg := Defaults()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.MaxRequests = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.DefaultCredential = "sk-live-123"
	cfg.Security.AdminToken = "admin-secret"

	s := cfg.String()
	assert.NotContains(t, s, "sk-live-123")
	assert.NotContains(t, s, "admin-secret")
	assert.NotContains(t, s, DefaultSecretKey)
	assert.Contains(t, s, "REDACTED")
	assert.Contains(t, s, "addr=0.0.0.0:8000")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LLM_PROXY_TEST_FROM_FILE=file\nLLM_PROXY_TEST_PRESET=file\n"), 0o600))

	t.Setenv("LLM_PROXY_TEST_PRESET", "process")
	t.Setenv("LLM_PROXY_TEST_FROM_FILE", "")
	require.NoError(t, os.Unsetenv("LLM_PROXY_TEST_FROM_FILE"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "file", os.Getenv("LLM_PROXY_TEST_FROM_FILE"))
	assert.Equal(t, "process", os.Getenv("LLM_PROXY_TEST_PRESET"), "process environment wins")

	assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))
}

// Package config loads the proxy configuration from the environment.
// Priority: process environment > .env file > defaults.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "LLM_PROXY_"

// DefaultSecretKey is the placeholder secret shipped in .env.example.
const DefaultSecretKey = "change-this-to-a-random-secret-key"

// Config holds all application configuration.
type Config struct {
	Proxy       ProxyConfig
	Upstream    UpstreamConfig `envPrefix:"UPSTREAM_"`
	Sessions    SessionsConfig `envPrefix:"SESSIONS_"`
	Security    SecurityConfig
	Database    DatabaseConfig
	LogRotation LogRotationConfig `envPrefix:"LOG_"`
	RateLimit   RateLimitConfig   `envPrefix:"RATE_LIMIT_"`
	Metrics     MetricsConfig     `envPrefix:"METRICS_"`
	RequestLogs RequestLogsConfig `envPrefix:"REQUEST_LOGS_"`
}

// ProxyConfig holds HTTP server settings.
type ProxyConfig struct {
	Host              string        `env:"HOST" envDefault:"0.0.0.0"`
	Port              int           `env:"PORT" envDefault:"8000"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	AccessLog         bool          `env:"ACCESS_LOG" envDefault:"true"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CORSAllowOrigins  []string      `env:"CORS_ALLOW_ORIGINS" envSeparator:"," envDefault:"*"`
}

// UpstreamConfig describes the OpenAI-compatible upstream.
type UpstreamConfig struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.openai.com/v1"`
	// DefaultCredential is bound to auto-enrolled sessions.
	DefaultCredential string        `env:"API_KEY"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"300s"`
	FirstByteTimeout  time.Duration `env:"FIRST_BYTE_TIMEOUT" envDefault:"60s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	AllowedModels     []string      `env:"ALLOWED_MODELS" envSeparator:","`
}

// SessionsConfig controls how sessions are registered and expired.
type SessionsConfig struct {
	File          string        `env:"FILE"`
	Watch         bool          `env:"WATCH" envDefault:"true"`
	DefaultTTL    time.Duration `env:"DEFAULT_TTL" envDefault:"0s"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	// AutoEnrollPattern, when set, registers unknown keys that match it
	// with the upstream default credential on first use.
	AutoEnrollPattern string `env:"AUTO_ENROLL_PATTERN"`
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	SecretKey  string `env:"SECRET_KEY" envDefault:"change-this-to-a-random-secret-key"`
	AdminToken string `env:"ADMIN_TOKEN"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `env:"DB"`
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	Dir        string `env:"DIR"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"10"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"30"`
	Compress   bool   `env:"COMPRESS" envDefault:"true"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled       bool `env:"ENABLED" envDefault:"true"`
	MaxRequests   int  `env:"MAX_REQUESTS" envDefault:"100"`
	WindowSeconds int  `env:"WINDOW_SECONDS" envDefault:"60"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
}

// RequestLogsConfig controls request log persistence.
type RequestLogsConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"true"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"30"`
	PruneSchedule string `env:"PRUNE_SCHEDULE" envDefault:"0 3 * * *"`
}

// Retention returns the request log retention window.
func (c RequestLogsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Addr is the listen address.
func (c ProxyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AutoEnrollRegexp compiles the auto-enrolment pattern, or returns nil
// when auto-enrolment is off.
func (c SessionsConfig) AutoEnrollRegexp() *regexp.Regexp {
	if c.AutoEnrollPattern == "" {
		return nil
	}
	return regexp.MustCompile(c.AutoEnrollPattern)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return &ConfigError{Field: "proxy.port", Message: "must be between 1 and 65535"}
	}
	switch strings.ToUpper(c.Proxy.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return &ConfigError{Field: "proxy.log_level", Message: fmt.Sprintf("unknown level %q", c.Proxy.LogLevel)}
	}
	if c.Proxy.ShutdownTimeout < 0 {
		return &ConfigError{Field: "proxy.shutdown_timeout", Message: "must not be negative"}
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: "upstream.base_url", Message: "must be an absolute http(s) URL"}
	}
	if c.Upstream.RequestTimeout <= 0 || c.Upstream.FirstByteTimeout <= 0 || c.Upstream.IdleTimeout <= 0 {
		return &ConfigError{Field: "upstream", Message: "timeouts must be positive"}
	}

	if c.Sessions.DefaultTTL < 0 {
		return &ConfigError{Field: "sessions.default_ttl", Message: "must not be negative"}
	}
	if err := validSchedule(c.Sessions.SweepSchedule); err != nil {
		return &ConfigError{Field: "sessions.sweep_schedule", Message: err.Error()}
	}
	if c.Sessions.AutoEnrollPattern != "" {
		if _, err := regexp.Compile(c.Sessions.AutoEnrollPattern); err != nil {
			return &ConfigError{Field: "sessions.auto_enroll_pattern", Message: err.Error()}
		}
		if c.Upstream.DefaultCredential == "" {
			return &ConfigError{Field: "upstream.api_key", Message: "required when auto-enrolment is enabled"}
		}
	}

	if len(c.Security.SecretKey) < 16 {
		return &ConfigError{Field: "security.secret_key", Message: "must be at least 16 characters"}
	}

	if c.RateLimit.Enabled && (c.RateLimit.MaxRequests < 1 || c.RateLimit.WindowSeconds < 1) {
		return &ConfigError{Field: "rate_limit", Message: "max_requests and window_seconds must be positive"}
	}
	if c.RequestLogs.RetentionDays < 0 {
		return &ConfigError{Field: "request_logs.retention_days", Message: "must not be negative"}
	}
	if err := validSchedule(c.RequestLogs.PruneSchedule); err != nil {
		return &ConfigError{Field: "request_logs.prune_schedule", Message: err.Error()}
	}
	return nil
}

func validSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}

// String renders the configuration with secrets redacted.
func (c *Config) String() string {
	return fmt.Sprintf(
		"addr=%s upstream=%s upstream_api_key=%s allowed_models=%v sessions_file=%q default_ttl=%s "+
			"secret_key=%s admin_token=%s db=%q rate_limit=%t metrics=%t request_logs=%t",
		c.Proxy.Addr(), c.Upstream.BaseURL, redact(c.Upstream.DefaultCredential), c.Upstream.AllowedModels,
		c.Sessions.File, c.Sessions.DefaultTTL,
		redact(c.Security.SecretKey), redact(c.Security.AdminToken), c.Database.Path,
		c.RateLimit.Enabled, c.Metrics.Enabled, c.RequestLogs.Enabled,
	)
}

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "REDACTED"
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/user/session-proxy/internal/pkg/paths"
)

// Load reads the .env file next to the binary (if any), then parses the
// process environment over the defaults and validates the result.
func Load() (*Config, error) {
	if err := loadDotEnv(filepath.Join(paths.BasePath(), ".env")); err != nil {
		return nil, err
	}
	return load(nil)
}

// LoadFromEnvironment parses environ instead of the process environment.
// Keys carry the LLM_PROXY_ prefix.
func LoadFromEnvironment(environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(environ)
}

func load(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = paths.DBPath()
	}
	if cfg.LogRotation.Dir == "" {
		cfg.LogRotation.Dir = paths.LogDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotEnv sets variables from path that are not already set. A missing
// file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Defaults returns the configuration an empty environment yields.
func Defaults() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	return cfg
}

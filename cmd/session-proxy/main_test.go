package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
	"github.com/user/session-proxy/internal/config"
)

func testRotationConfig(dir string) config.LogRotationConfig {
	return config.LogRotationConfig{
		Dir:        dir,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
		Compress:   false,
	}
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := newLogger("INFO", testRotationConfig(tmpDir))
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test message")
	_ = logger.Sync()

	_, err = os.Stat(filepath.Join(tmpDir, "session-proxy.log"))
	require.NoError(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	rotation := testRotationConfig(t.TempDir())

	for _, level := range []string{"DEBUG", "info", "WARN", "warning", "ERROR", "invalid"} {
		logger, err := newLogger(level, rotation)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestNewLoggerCreatesDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "nested", "logs")

	_, err := newLogger("INFO", testRotationConfig(tmpDir))
	require.NoError(t, err)

	info, err := os.Stat(tmpDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestEnvExampleIsValidConfig(t *testing.T) {
	environ, err := godotenv.Unmarshal(envExampleContent)
	require.NoError(t, err)

	for key := range environ {
		require.True(t, strings.HasPrefix(key, config.EnvPrefix), key)
	}

	_, err = config.LoadFromEnvironment(environ)
	require.NoError(t, err)
}

func TestInitWritesTemplate(t *testing.T) {
	out := filepath.Join(t.TempDir(), ".env.example")
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))

	cmd := &initCmd{Output: out}
	require.NoError(t, cmd.Run())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, envExampleContent, string(data))
}

func TestCLIDefaultsToServe(t *testing.T) {
	var c cli
	parser, err := kong.New(&c, kong.Name("session-proxy"))
	require.NoError(t, err)

	kctx, err := parser.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, "serve", kctx.Command())

	kctx, err = parser.Parse([]string{"init", "--output", "custom.env"})
	require.NoError(t, err)
	require.Equal(t, "init", kctx.Command())
	require.True(t, strings.HasSuffix(c.Init.Output, "custom.env"))
}

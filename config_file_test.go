package wazerocore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "wazerocore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRuntimeConfig_Defaults(t *testing.T) {
	cfg, err := LoadRuntimeConfig("")
	require.NoError(t, err)
	require.Equal(t, &FileConfig{
		MaxCallDepth:    10000,
		MemoryGuardSize: defaultMemoryGuardSize,
		Metrics:         true,
		LogLevel:        "info",
	}, cfg)

	rc, err := cfg.RuntimeConfig()
	require.NoError(t, err)
	require.Equal(t, NewRuntimeConfig().maxCallDepth, rc.maxCallDepth)
	require.Equal(t, NewRuntimeConfig().memoryGuardSize, rc.memoryGuardSize)
	require.Nil(t, rc.executor)
	require.True(t, rc.logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, rc.logger.Core().Enabled(zapcore.DebugLevel))
}

func TestLoadRuntimeConfig_File(t *testing.T) {
	path := writeConfig(t, `max_call_depth: 42
memory_guard_size: 0
close_on_context_done: true
executor_limit: 4
metrics: false
log_level: debug
`)

	cfg, err := LoadRuntimeConfig(path)
	require.NoError(t, err)
	require.Equal(t, &FileConfig{
		MaxCallDepth:       42,
		CloseOnContextDone: true,
		ExecutorLimit:      4,
		LogLevel:           "debug",
	}, cfg)

	rc, err := cfg.RuntimeConfig()
	require.NoError(t, err)
	require.Equal(t, uint32(42), rc.maxCallDepth)
	require.Zero(t, rc.memoryGuardSize)
	require.True(t, rc.closeOnContextDone)
	require.False(t, rc.metrics)
	require.IsType(t, &GroupExecutor{}, rc.executor)
	require.True(t, rc.logger.Core().Enabled(zapcore.DebugLevel))

	// The serialized form reads back the same.
	out, err := cfg.YAML()
	require.NoError(t, err)
	require.Contains(t, string(out), "max_call_depth: 42\n")

	again, err := LoadRuntimeConfig(writeConfig(t, string(out)))
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadRuntimeConfig_Env(t *testing.T) {
	t.Setenv(EnvPrefix+"_MAX_CALL_DEPTH", "7")
	t.Setenv(EnvPrefix+"_LOG_LEVEL", "warn")

	cfg, err := LoadRuntimeConfig(writeConfig(t, "max_call_depth: 42\n"))
	require.NoError(t, err)
	require.Equal(t, uint32(7), cfg.MaxCallDepth)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRuntimeConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.yaml")
		_, err := LoadRuntimeConfig(path)
		require.Error(t, err)
		require.Contains(t, err.Error(), "reading runtime config "+path)
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := LoadRuntimeConfig(writeConfig(t, "max_call_depth: deep\n"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "decoding runtime config")
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg, err := LoadRuntimeConfig(writeConfig(t, "log_level: loud\n"))
		require.NoError(t, err)

		_, err = cfg.RuntimeConfig()
		require.Error(t, err)
		require.Contains(t, err.Error(), `invalid log_level "loud"`)
	})
}

package wazerocore

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/wazerocore/internal/traps"
)

// EnvPrefix prefixes the environment variables overriding a FileConfig, ex. WAZEROCORE_MAX_CALL_DEPTH.
const EnvPrefix = "WAZEROCORE"

// FileConfig is the serialized form of a RuntimeConfig, as loaded by LoadRuntimeConfig.
type FileConfig struct {
	MaxCallDepth       uint32 `mapstructure:"max_call_depth" yaml:"max_call_depth"`
	MemoryGuardSize    uint64 `mapstructure:"memory_guard_size" yaml:"memory_guard_size"`
	MemoryReservation  uint64 `mapstructure:"memory_reservation" yaml:"memory_reservation"`
	CloseOnContextDone bool   `mapstructure:"close_on_context_done" yaml:"close_on_context_done"`
	// ExecutorLimit bounds the deferred host results running at once. Zero runs each on a new goroutine.
	ExecutorLimit int    `mapstructure:"executor_limit" yaml:"executor_limit"`
	Metrics       bool   `mapstructure:"metrics" yaml:"metrics"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
}

// LoadRuntimeConfig reads the configuration file at path, if not empty, on top of the defaults. Environment
// variables prefixed with EnvPrefix override both.
func LoadRuntimeConfig(path string) (*FileConfig, error) {
	v := viper.New()

	v.SetDefault("max_call_depth", traps.DefaultMaxCallDepth)
	v.SetDefault("memory_guard_size", defaultMemoryGuardSize)
	v.SetDefault("memory_reservation", 0)
	v.SetDefault("close_on_context_done", false)
	v.SetDefault("executor_limit", 0)
	v.SetDefault("metrics", true)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading runtime config %s", path)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding runtime config")
	}
	return &cfg, nil
}

// RuntimeConfig converts c into a RuntimeConfig with a zap production logger at LogLevel.
func (c *FileConfig) RuntimeConfig() (*RuntimeConfig, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}

	ret := NewRuntimeConfig().
		WithMaxCallDepth(c.MaxCallDepth).
		WithMemoryGuardSize(c.MemoryGuardSize).
		WithMemoryReservation(c.MemoryReservation).
		WithCloseOnContextDone(c.CloseOnContextDone).
		WithMetrics(c.Metrics).
		WithLogger(logger)
	if c.ExecutorLimit > 0 {
		ret = ret.WithExecutor(NewGroupExecutor(c.ExecutorLimit))
	}
	return ret, nil
}

// YAML returns the configuration in the file format LoadRuntimeConfig reads.
func (c *FileConfig) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding runtime config")
	}
	return out, nil
}

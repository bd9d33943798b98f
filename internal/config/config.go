// Package config holds process-level configuration. Values here are the
// defaults; per-call tunables may additionally be overridden through
// database settings at call entry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Limits LimitsConfig `yaml:"limits"`
	Cache  CacheConfig  `yaml:"cache"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LimitsConfig carries the default per-call bounds. Zero disables the
// runtime and heap caps; the bridge bounds always have a floor.
type LimitsConfig struct {
	MaxRuntimeMS int64 `yaml:"max_runtime_ms"`
	MaxHeapMB    int64 `yaml:"max_heap_mb"`
	MaxSQLBytes  int   `yaml:"max_sql_bytes"`
	MaxParams    int   `yaml:"max_params"`
	MaxQueryRows int   `yaml:"max_query_rows"`
}

// CacheConfig bounds the program loader caches.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	TTL        time.Duration `yaml:"ttl"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Limits: LimitsConfig{
			MaxRuntimeMS: 0,
			MaxHeapMB:    0,
			MaxSQLBytes:  128 << 10,
			MaxParams:    256,
			MaxQueryRows: 1000,
		},
		Cache: CacheConfig{
			MaxEntries: 256,
			MaxBytes:   4 << 20,
			TTL:        30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	if c.Limits.MaxRuntimeMS < 0 {
		return fmt.Errorf("limits.max_runtime_ms must be >= 0")
	}
	if c.Limits.MaxHeapMB < 0 {
		return fmt.Errorf("limits.max_heap_mb must be >= 0")
	}
	if c.Limits.MaxSQLBytes < 1 {
		return fmt.Errorf("limits.max_sql_bytes must be >= 1")
	}
	if c.Limits.MaxParams < 1 {
		return fmt.Errorf("limits.max_params must be >= 1")
	}
	if c.Limits.MaxQueryRows < 1 {
		return fmt.Errorf("limits.max_query_rows must be >= 1")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1")
	}
	if c.Cache.MaxBytes < 1 {
		return fmt.Errorf("cache.max_bytes must be >= 1")
	}
	if c.Cache.TTL < time.Second {
		return fmt.Errorf("cache.ttl must be >= 1s, got %s", c.Cache.TTL)
	}
	return nil
}

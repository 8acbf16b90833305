// Package config loads homebase settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// Database is the path of the local SQLite store.
	Database string `yaml:"database"`

	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`

	// SchemaDir holds extra CUE schema files registered next to the
	// built-in kinds. Empty means none.
	SchemaDir string `yaml:"schema_dir"`
}

// RemoteConfig locates the remote store. An empty URL runs offline:
// remote calls fail as transient and mutations stay queued.
type RemoteConfig struct {
	URL     string            `yaml:"url"`
	APIKey  string            `yaml:"api_key"`
	Token   string            `yaml:"token"`
	Timeout string            `yaml:"timeout"`
	Tables  map[string]string `yaml:"tables,omitempty"`
}

// SyncConfig selects kinds and the background flush cadence.
type SyncConfig struct {
	// Kinds to pull and subscribe. Empty means every registered kind.
	Kinds         []string `yaml:"kinds"`
	FlushInterval string   `yaml:"flush_interval"`
	Concurrency   int      `yaml:"concurrency"`
}

// RetryConfig bounds outbox delivery retries.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Environment variables that override file settings.
const (
	EnvDatabase  = "HOMEBASE_DB"
	EnvRemoteURL = "HOMEBASE_REMOTE_URL"
	EnvAPIKey    = "HOMEBASE_API_KEY"
	EnvToken     = "HOMEBASE_TOKEN"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: "homebase.db",
		Remote: RemoteConfig{
			Timeout: "10s",
		},
		Sync: SyncConfig{
			FlushInterval: "30s",
			Concurrency:   4,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   "500ms",
			MaxDelay:    "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file over the defaults. A missing
// file yields the defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv(EnvDatabase); path != "" {
		c.Database = path
	}
	if url := os.Getenv(EnvRemoteURL); url != "" {
		c.Remote.URL = url
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Remote.APIKey = key
	}
	if token := os.Getenv(EnvToken); token != "" {
		c.Remote.Token = token
	}
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks durations, bounds and the log level.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required (set %s)", EnvDatabase)
	}
	for name, d := range map[string]string{
		"remote.timeout":      c.Remote.Timeout,
		"sync.flush_interval": c.Sync.FlushInterval,
		"retry.base_delay":    c.Retry.BaseDelay,
		"retry.max_delay":     c.Retry.MaxDelay,
	} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v < 0 {
			return fmt.Errorf("invalid %s %q: must be a positive duration", name, d)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid retry.max_attempts %d: must be at least 1", c.Retry.MaxAttempts)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("invalid sync.concurrency %d: must be at least 1", c.Sync.Concurrency)
	}
	for _, k := range c.Sync.Kinds {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("sync.kinds contains an empty kind")
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// GetTimeout returns the remote request timeout.
func (c *Config) GetTimeout() time.Duration {
	return durationOr(c.Remote.Timeout, 10*time.Second)
}

// GetFlushInterval returns the background flush interval.
func (c *Config) GetFlushInterval() time.Duration {
	return durationOr(c.Sync.FlushInterval, 30*time.Second)
}

// GetBaseDelay returns the first retry delay.
func (c *Config) GetBaseDelay() time.Duration {
	return durationOr(c.Retry.BaseDelay, 500*time.Millisecond)
}

// GetMaxDelay returns the retry delay cap.
func (c *Config) GetMaxDelay() time.Duration {
	return durationOr(c.Retry.MaxDelay, 30*time.Second)
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid logging.level %q (valid: %v)", c.Logging.Level, ValidLogLevels)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

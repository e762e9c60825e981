// Package config handles loading and validating taskmesh configuration.
// Supports YAML config files and TASKMESH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrMissingMachineName  = errors.New("machine.name must not be empty")
	ErrSelfPeer            = errors.New("peers must not include the local machine")
	ErrInvalidMaxAttempts  = errors.New("processor.max_attempts must be at least 1")
	ErrInvalidConcurrency  = errors.New("processor.concurrency must be at least 1")
	ErrInvalidBackoffBase  = errors.New("processor.retry_backoff_base must be positive")
	ErrInvalidTimeout      = errors.New("processor.default_timeout must be positive")
	ErrInvalidPollInterval = errors.New("store.poll_interval must be positive")
	ErrInvalidHeartbeat    = errors.New("store.heartbeat_interval must be positive")
	ErrInvalidRetention    = errors.New("store.retention must be positive")
)

// Config holds all taskmesh configuration.
type Config struct {
	Machine   MachineConfig   `mapstructure:"machine"`
	Peers     []string        `mapstructure:"peers"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
}

// MachineConfig identifies this machine in the mesh.
type MachineConfig struct {
	Name string `mapstructure:"name"` // defaults to hostname
}

// ProcessorConfig controls task execution and retry policy.
type ProcessorConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	Concurrency      int           `mapstructure:"concurrency"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
}

// StoreConfig controls the shared remote task store.
type StoreConfig struct {
	Path              string        `mapstructure:"path"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Retention         time.Duration `mapstructure:"retention"` // terminal tasks older than this are swept
}

// LogConfig controls logging output.
type LogConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DefaultStorePath returns the default shared store location. Pointing
// multiple machines at the same path (network mount, synced directory)
// forms the mesh.
func DefaultStorePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "taskmesh", "mesh.db")
}

// GlobalConfigPath returns the config file location.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskmesh", "taskmesh.yaml")
}

// Load reads configuration from file and environment, applies defaults,
// and validates. A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(GlobalConfigPath())
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyFallbacks(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("processor.max_attempts", 3)
	v.SetDefault("processor.retry_backoff_base", "2s")
	v.SetDefault("processor.concurrency", 4)
	v.SetDefault("processor.default_timeout", "60s")
	v.SetDefault("store.poll_interval", "5s")
	v.SetDefault("store.heartbeat_interval", "30s")
	v.SetDefault("store.retention", "168h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.retention_days", 7)
}

// applyFallbacks fills values that cannot be static defaults.
func applyFallbacks(cfg *Config) {
	if cfg.Machine.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Machine.Name = host
		}
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath()
	}
}

// Validate checks configuration invariants, returning the first violated
// sentinel error.
func Validate(cfg *Config) error {
	if cfg.Machine.Name == "" {
		return ErrMissingMachineName
	}
	for _, peer := range cfg.Peers {
		if peer == cfg.Machine.Name {
			return ErrSelfPeer
		}
	}
	if cfg.Processor.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Processor.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if cfg.Processor.RetryBackoffBase <= 0 {
		return ErrInvalidBackoffBase
	}
	if cfg.Processor.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.Store.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.Store.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if cfg.Store.Retention <= 0 {
		return ErrInvalidRetention
	}
	return nil
}

// Write persists the config to the global config path, preserving any
// unrelated keys already in the file.
func Write(cfg *Config) error {
	configPath := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	v.Set("machine.name", cfg.Machine.Name)
	v.Set("peers", cfg.Peers)
	v.Set("processor.max_attempts", cfg.Processor.MaxAttempts)
	v.Set("processor.retry_backoff_base", cfg.Processor.RetryBackoffBase.String())
	v.Set("processor.concurrency", cfg.Processor.Concurrency)
	v.Set("processor.default_timeout", cfg.Processor.DefaultTimeout.String())
	v.Set("store.path", cfg.Store.Path)
	v.Set("store.poll_interval", cfg.Store.PollInterval.String())
	v.Set("store.heartbeat_interval", cfg.Store.HeartbeatInterval.String())
	v.Set("store.retention", cfg.Store.Retention.String())
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.retention_days", cfg.Log.RetentionDays)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			return v.SafeWriteConfig()
		}
		return err
	}
	return nil
}

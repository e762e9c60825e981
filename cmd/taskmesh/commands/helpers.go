package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marcus/taskmesh/internal/config"
	"github.com/marcus/taskmesh/internal/handlers"
	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/registry"
	"github.com/marcus/taskmesh/internal/store"
)

// initLogging configures the global logger from config.
func initLogging(cfg *config.Config) error {
	logCfg := logging.DefaultConfig()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Path != "" {
		logCfg.Path = cfg.Log.Path
	}
	if cfg.Log.Format != "" {
		logCfg.Format = cfg.Log.Format
	}
	if cfg.Log.RetentionDays > 0 {
		logCfg.RetentionDays = cfg.Log.RetentionDays
	}
	return logging.Init(logCfg)
}

// openStore opens the shared store at the configured path.
func openStore(cfg *config.Config) (*store.SQLite, error) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	if cfg.Store.PollInterval > 0 {
		s.PollInterval = cfg.Store.PollInterval
	}
	return s, nil
}

// builtinRegistry builds the sealed registry of builtin capabilities.
func builtinRegistry(opts ...handlers.Option) (*registry.Registry, error) {
	reg := registry.New()
	if err := handlers.RegisterAll(reg, opts...); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// parsePayload turns key=value arguments into a task payload. Values that
// read as JSON scalars become numbers or booleans; everything else stays a
// string.
func parsePayload(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		payload[key] = coerceScalar(value)
	}
	return payload, nil
}

func coerceScalar(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	return value
}

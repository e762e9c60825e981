package security

import (
	"fmt"
	"strings"
	"sync"
)

// DeniedCommandError reports a command blocked by the guard.
type DeniedCommandError struct {
	Command string
	Pattern string
}

func (e *DeniedCommandError) Error() string {
	return fmt.Sprintf("command denied by guard (matched %q)", e.Pattern)
}

// GuardConfig controls the command guard.
type GuardConfig struct {
	AllowCommands bool     // false rejects every run_command task
	DenyPatterns  []string // substrings that block a command
}

// DefaultGuardConfig returns the default guard: commands allowed, with a
// denylist of patterns that have no place in a delegated task.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		AllowCommands: true,
		DenyPatterns: []string{
			"rm -rf /",
			"mkfs",
			"dd if=",
			":(){",
			"shutdown",
			"reboot",
		},
	}
}

// Guard validates shell commands before the run_command handler executes
// them. Decisions are written to the audit log when one is attached.
type Guard struct {
	mu      sync.RWMutex
	cfg     GuardConfig
	machine string
	audit   *AuditLogger
}

// NewGuard creates a guard. audit may be nil.
func NewGuard(cfg GuardConfig, machine string, audit *AuditLogger) *Guard {
	return &Guard{
		cfg:     cfg,
		machine: machine,
		audit:   audit,
	}
}

// CheckCommand validates a command against the guard policy. A nil guard
// allows everything.
func (g *Guard) CheckCommand(taskID, command string) error {
	if g == nil {
		return nil
	}

	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	if !cfg.AllowCommands {
		g.logCheck(taskID, command, false, "commands disabled")
		return &DeniedCommandError{Command: command, Pattern: "commands disabled"}
	}

	for _, pattern := range cfg.DenyPatterns {
		if pattern != "" && strings.Contains(command, pattern) {
			g.logCheck(taskID, command, false, pattern)
			return &DeniedCommandError{Command: command, Pattern: pattern}
		}
	}

	g.logCheck(taskID, command, true, "allowed")
	return nil
}

// SetAllowCommands toggles command execution.
func (g *Guard) SetAllowCommands(allow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.AllowCommands = allow
}

// Config returns the current guard configuration.
func (g *Guard) Config() GuardConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Guard) logCheck(taskID, command string, allowed bool, reason string) {
	if g.audit == nil {
		return
	}
	_ = g.audit.LogCommandCheck(g.machine, taskID, command, allowed, reason)
}

// Package handlers provides the builtin capabilities registered at daemon
// startup. They are deliberately small: enough to exercise delegation and
// execution end to end on any machine.
package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/marcus/taskmesh/internal/registry"
	"github.com/marcus/taskmesh/internal/security"
	"github.com/marcus/taskmesh/internal/task"
)

// Option configures the builtin handler set.
type Option func(*options)

type options struct {
	guard *security.Guard
}

// WithGuard routes run_command through the command guard.
func WithGuard(g *security.Guard) Option {
	return func(o *options) {
		o.guard = g
	}
}

// RegisterAll adds every builtin capability to the registry.
func RegisterAll(reg *registry.Registry, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	runCommand := RunCommand
	if o.guard != nil {
		guard := o.guard
		runCommand = func(ctx context.Context, payload map[string]any) (string, error) {
			command, _ := payload["command"].(string)
			if err := guard.CheckCommand(task.IDFromContext(ctx), command); err != nil {
				return "", err
			}
			return RunCommand(ctx, payload)
		}
	}

	builtins := []struct {
		name    string
		shape   task.Shape
		fn      registry.Handler
		timeout time.Duration
	}{
		{
			name: "echo",
			shape: task.Shape{
				Params:   map[string]task.ParamKind{"msg": task.KindString},
				Required: []string{"msg"},
			},
			fn:      Echo,
			timeout: 5 * time.Second,
		},
		{
			name: "get_info",
			shape: task.Shape{
				Params: map[string]task.ParamKind{"input": task.KindString},
			},
			fn:      GetInfo,
			timeout: 5 * time.Second,
		},
		{
			name: "run_command",
			shape: task.Shape{
				Params:   map[string]task.ParamKind{"command": task.KindString},
				Required: []string{"command"},
			},
			fn:      runCommand,
			timeout: 2 * time.Minute,
		},
		{
			name: "open_app",
			shape: task.Shape{
				Params:   map[string]task.ParamKind{"app_name": task.KindString},
				Required: []string{"app_name"},
			},
			fn:      OpenApp,
			timeout: 30 * time.Second,
		},
	}

	for _, b := range builtins {
		if err := reg.Register(b.name, b.shape, b.fn, b.timeout); err != nil {
			return fmt.Errorf("registering builtin %q: %w", b.name, err)
		}
	}
	return nil
}

// Echo returns the message back. Useful for delegation smoke tests.
func Echo(ctx context.Context, payload map[string]any) (string, error) {
	msg, _ := payload["msg"].(string)
	return msg, nil
}

// GetInfo reports the local machine: time, date, hostname, platform. The
// optional input is echoed as the query label.
func GetInfo(ctx context.Context, payload map[string]any) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	now := time.Now()

	var b strings.Builder
	if query, ok := payload["input"].(string); ok && query != "" {
		fmt.Fprintf(&b, "Query: %s\n", query)
	}
	fmt.Fprintf(&b, "Time: %s\n", now.Format("15:04"))
	fmt.Fprintf(&b, "Date: %s\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "Host: %s\n", host)
	fmt.Fprintf(&b, "System: %s/%s", runtime.GOOS, runtime.GOARCH)
	return b.String(), nil
}

// RunCommand executes a shell command and returns its stdout. A non-zero
// exit fails the attempt with stderr attached.
func RunCommand(ctx context.Context, payload map[string]any) (string, error) {
	command, _ := payload["command"].(string)
	if command == "" {
		return "", fmt.Errorf("missing required parameter: command")
	}

	cmd := shellCommand(ctx, command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("command %q failed: %s", command, detail)
	}
	return stdout.String(), nil
}

// OpenApp launches an application detached from the daemon. The handler
// does not wait for the application to exit.
func OpenApp(ctx context.Context, payload map[string]any) (string, error) {
	appName, _ := payload["app_name"].(string)
	if appName == "" {
		return "", fmt.Errorf("missing required parameter: app_name")
	}

	// No context: the attempt context ends right after this handler
	// returns and must not kill the launched application.
	cmd := launchCommand(appName)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("opening %q: %w", appName, err)
	}
	// Reap the child in the background so it never zombies.
	go func() { _ = cmd.Wait() }()

	return fmt.Sprintf("app_opened: %s", appName), nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func launchCommand(appName string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-a", appName)
	case "windows":
		return exec.Command("cmd", "/C", "start", "", appName)
	default:
		return exec.Command(appName)
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmesh/internal/config"
	"github.com/marcus/taskmesh/internal/handlers"
	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/processor"
	"github.com/marcus/taskmesh/internal/queue"
	"github.com/marcus/taskmesh/internal/scheduler"
	"github.com/marcus/taskmesh/internal/security"
	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

const (
	pidFileName = "taskmesh.pid"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the taskmesh background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the taskmesh daemon as a background process.

The daemon executes tasks assigned to this machine, heartbeats presence
into the shared store, and sweeps old terminal tasks.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running taskmesh daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the taskmesh daemon is running and show status information.`,
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "taskmesh", pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPidFile reads the PID from the PID file.
func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// removePidFile removes the PID file.
func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isDaemonRunning checks if the daemon is currently running.
func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cfg)
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	daemonCmd := exec.Command(executable, "daemon", "start", "--foreground")
	daemonCmd.Stdout = nil
	daemonCmd.Stderr = nil
	daemonCmd.Stdin = nil
	// Detach from parent process group
	daemonCmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := daemonCmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", daemonCmd.Process.Pid)
	return nil
}

func runDaemonLoop(cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	log.InfoCtx("daemon starting", map[string]any{
		"machine": cfg.Machine.Name,
		"store":   cfg.Store.Path,
	})

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	audit, err := security.NewAuditLogger("")
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer func() { _ = audit.Close() }()
	guard := security.NewGuard(security.DefaultGuardConfig(), cfg.Machine.Name, audit)

	reg, err := builtinRegistry(handlers.WithGuard(guard))
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	pub := store.NewPublisher(s, time.Second)
	pubDone := make(chan struct{})
	go func() {
		pub.Run(ctx)
		close(pubDone)
	}()

	maint := scheduler.New(s, pub, scheduler.Config{
		Machine:           cfg.Machine.Name,
		HeartbeatInterval: cfg.Store.HeartbeatInterval,
		Retention:         cfg.Store.Retention,
	})
	if err := maint.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	proc := processor.New(reg, s, pub, queue.New(), processor.Config{
		Machine:          cfg.Machine.Name,
		MaxAttempts:      cfg.Processor.MaxAttempts,
		RetryBackoffBase: cfg.Processor.RetryBackoffBase,
		Concurrency:      cfg.Processor.Concurrency,
		DefaultTimeout:   cfg.Processor.DefaultTimeout,
	}, processor.WithEventHandler(auditProcessorEvents(audit, cfg.Machine.Name)))

	err = proc.Run(ctx)

	// Final presence write goes out after the processor drains; a fresh
	// context because ctx is already cancelled here.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	maint.Stop(stopCtx)
	stopCancel()
	<-pubDone

	log.Info("daemon stopped")
	return err
}

// auditProcessorEvents maps processor lifecycle events onto the audit log.
func auditProcessorEvents(audit *security.AuditLogger, machine string) processor.EventHandler {
	return func(e processor.Event) {
		switch e.Type {
		case processor.EventTaskStart:
			_ = audit.LogTaskStart(machine, e.TaskID, e.TaskType)
		case processor.EventTaskRetry:
			_ = audit.LogTaskRetry(machine, e.TaskID, e.TaskType, e.Attempt, e.Error)
		case processor.EventTaskEnd:
			if e.Status == task.StatusCompleted {
				_ = audit.LogTaskComplete(machine, e.TaskID, e.TaskType, e.Attempt, e.Duration)
			} else {
				_ = audit.LogTaskFailed(machine, e.TaskID, e.TaskType, e.Attempt, e.Error)
			}
		}
		_ = audit.RotateIfNeeded()
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		// Check if PID file exists but process is dead
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	// Wait for process to exit (with timeout)
	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()

	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)

	cfg, err := config.Load()
	if err == nil {
		fmt.Printf("Machine: %s\n", cfg.Machine.Name)
		fmt.Printf("Store: %s\n", cfg.Store.Path)
		if len(cfg.Peers) > 0 {
			fmt.Printf("Peers: %v\n", cfg.Peers)
		}
	}

	fmt.Printf("PID file: %s\n", pidFilePath())

	return nil
}

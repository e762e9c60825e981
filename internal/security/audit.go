// Package security provides the audit trail and command guard for a mesh
// member. Tasks arrive from other machines, so every execution and every
// shell command is written to an append-only audit log, and commands are
// checked against a denylist before running.
package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditTaskCreated    AuditEventType = "task_created"
	AuditTaskStart      AuditEventType = "task_start"
	AuditTaskComplete   AuditEventType = "task_complete"
	AuditTaskFailed     AuditEventType = "task_failed"
	AuditTaskRetry      AuditEventType = "task_retry"
	AuditTaskCancelled  AuditEventType = "task_cancelled"
	AuditCommandCheck   AuditEventType = "command_check"
	AuditCommandDenied  AuditEventType = "command_denied"
	AuditSecurityDenied AuditEventType = "security_denied"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	Machine   string            `json:"machine,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	TaskType  string            `json:"task_type,omitempty"`
	Target    string            `json:"target,omitempty"`
	Action    string            `json:"action,omitempty"`
	Result    string            `json:"result,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// AuditLogger writes audit events to an append-only log file.
type AuditLogger struct {
	logDir    string
	file      *os.File
	mu        sync.Mutex
	sessionID string
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(logDir string) (*AuditLogger, error) {
	if logDir == "" {
		home, _ := os.UserHomeDir()
		logDir = filepath.Join(home, ".local", "share", "taskmesh", "audit")
	}

	// Ensure audit directory exists with restricted permissions
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit log dir: %w", err)
	}

	// Generate session ID for this logger instance
	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())

	logger := &AuditLogger{
		logDir:    logDir,
		sessionID: sessionID,
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

// openLogFile opens or creates the current day's audit log.
func (l *AuditLogger) openLogFile() error {
	filename := fmt.Sprintf("audit-%s.jsonl", time.Now().Format("2006-01-02"))
	path := filepath.Join(l.logDir, filename)

	// Open in append-only mode
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	l.file = f
	return nil
}

// Log writes an audit event to the log.
func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	event.SessionID = l.sessionID

	if event.RequestID == "" {
		event.RequestID = fmt.Sprintf("req-%d", time.Now().UnixNano())
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	// Append newline for JSONL format
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	// Sync to disk for durability
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}

	return nil
}

// LogTaskStart logs the start of task execution on this machine.
func (l *AuditLogger) LogTaskStart(machine, taskID, taskType string) error {
	return l.Log(AuditEvent{
		EventType: AuditTaskStart,
		Machine:   machine,
		TaskID:    taskID,
		TaskType:  taskType,
		Action:    "start",
	})
}

// LogTaskComplete logs a task reaching completed.
func (l *AuditLogger) LogTaskComplete(machine, taskID, taskType string, attempt int, duration time.Duration) error {
	return l.Log(AuditEvent{
		EventType: AuditTaskComplete,
		Machine:   machine,
		TaskID:    taskID,
		TaskType:  taskType,
		Action:    "complete",
		Attempt:   attempt,
		Duration:  duration,
	})
}

// LogTaskFailed logs a task reaching failed.
func (l *AuditLogger) LogTaskFailed(machine, taskID, taskType string, attempt int, errMsg string) error {
	return l.Log(AuditEvent{
		EventType: AuditTaskFailed,
		Machine:   machine,
		TaskID:    taskID,
		TaskType:  taskType,
		Action:    "failed",
		Attempt:   attempt,
		Error:     errMsg,
	})
}

// LogTaskRetry logs a transient failure and its reschedule.
func (l *AuditLogger) LogTaskRetry(machine, taskID, taskType string, attempt int, errMsg string) error {
	return l.Log(AuditEvent{
		EventType: AuditTaskRetry,
		Machine:   machine,
		TaskID:    taskID,
		TaskType:  taskType,
		Action:    "retry",
		Attempt:   attempt,
		Error:     errMsg,
	})
}

// LogCommandCheck logs a command guard decision.
func (l *AuditLogger) LogCommandCheck(machine, taskID, command string, allowed bool, reason string) error {
	eventType := AuditCommandCheck
	if !allowed {
		eventType = AuditCommandDenied
	}

	return l.Log(AuditEvent{
		EventType: eventType,
		Machine:   machine,
		TaskID:    taskID,
		Target:    command,
		Action:    "command_check",
		Result:    reason,
	})
}

// Close closes the audit log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// RotateIfNeeded checks if the log file needs rotation (new day).
func (l *AuditLogger) RotateIfNeeded() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expectedFilename := fmt.Sprintf("audit-%s.jsonl", time.Now().Format("2006-01-02"))
	expectedPath := filepath.Join(l.logDir, expectedFilename)

	if l.file != nil {
		currentPath := l.file.Name()
		if currentPath == expectedPath {
			return nil
		}

		if err := l.file.Close(); err != nil {
			return fmt.Errorf("closing old audit log: %w", err)
		}
	}

	return l.openLogFile()
}

// GetLogFiles returns a list of all audit log files.
func (l *AuditLogger) GetLogFiles() ([]string, error) {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return nil, fmt.Errorf("reading audit log dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jsonl" {
			files = append(files, filepath.Join(l.logDir, entry.Name()))
		}
	}

	return files, nil
}

// ReadEvents reads audit events from a specific log file.
func ReadEvents(path string) ([]AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []AuditEvent
	lines := splitLines(data)

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}

		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Skip malformed lines
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// splitLines splits data by newlines without allocating strings.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0

	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}

	// Handle last line without trailing newline
	if start < len(data) {
		lines = append(lines, data[start:])
	}

	return lines
}

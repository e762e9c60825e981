package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewAuditLogger(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewAuditLogger(tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	// Log file for today should exist
	filename := "audit-" + time.Now().Format("2006-01-02") + ".jsonl"
	if _, err := os.Stat(filepath.Join(tmpDir, filename)); err != nil {
		t.Errorf("expected audit log file %s: %v", filename, err)
	}
}

func TestAuditLogAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger(tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	if err := logger.LogTaskStart("desk-a", "t-1", "echo"); err != nil {
		t.Fatalf("LogTaskStart: %v", err)
	}
	if err := logger.LogTaskComplete("desk-a", "t-1", "echo", 1, 250*time.Millisecond); err != nil {
		t.Fatalf("LogTaskComplete: %v", err)
	}
	if err := logger.LogTaskFailed("desk-a", "t-2", "run_command", 3, "exit 1"); err != nil {
		t.Fatalf("LogTaskFailed: %v", err)
	}
	_ = logger.Close()

	files, err := logger.GetLogFiles()
	if err != nil {
		t.Fatalf("GetLogFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("log files = %d, want 1", len(files))
	}

	events, err := ReadEvents(files[0])
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	if events[0].EventType != AuditTaskStart || events[0].TaskID != "t-1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].EventType != AuditTaskComplete || events[1].Attempt != 1 {
		t.Errorf("second event = %+v", events[1])
	}
	if events[2].EventType != AuditTaskFailed || events[2].Error != "exit 1" {
		t.Errorf("third event = %+v", events[2])
	}

	// All events share the logger's session
	for _, e := range events {
		if e.SessionID == "" || e.SessionID != events[0].SessionID {
			t.Errorf("session ids differ: %+v", e)
		}
		if e.RequestID == "" {
			t.Errorf("missing request id: %+v", e)
		}
	}
}

func TestAuditCommandCheck(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger(tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	if err := logger.LogCommandCheck("desk-a", "t-1", "uname -a", true, "allowed"); err != nil {
		t.Fatalf("LogCommandCheck: %v", err)
	}
	if err := logger.LogCommandCheck("desk-a", "t-2", "mkfs /dev/sda", false, "mkfs"); err != nil {
		t.Fatalf("LogCommandCheck: %v", err)
	}

	files, _ := logger.GetLogFiles()
	events, err := ReadEvents(files[0])
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}

	if events[0].EventType != AuditCommandCheck {
		t.Errorf("allowed check logged as %s", events[0].EventType)
	}
	if events[1].EventType != AuditCommandDenied || events[1].Result != "mkfs" {
		t.Errorf("denied check = %+v", events[1])
	}
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "audit-2026-01-01.jsonl")
	content := `{"event_type":"task_start","task_id":"t-1"}
not json at all
{"event_type":"task_complete","task_id":"t-1"}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2 (malformed line skipped)", len(events))
	}
}

func TestRotateIfNeeded(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger(tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	// Same day: no-op
	if err := logger.RotateIfNeeded(); err != nil {
		t.Errorf("RotateIfNeeded: %v", err)
	}
	if err := logger.Log(AuditEvent{EventType: AuditTaskStart, TaskID: "t-1"}); err != nil {
		t.Errorf("Log after rotate check: %v", err)
	}
}

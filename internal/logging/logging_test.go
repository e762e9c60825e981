package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "json to file",
			cfg:     Config{Path: tmpDir, Level: "info", Format: "json"},
			wantErr: false,
		},
		{
			name:    "text format",
			cfg:     Config{Path: tmpDir, Level: "debug", Format: "text"},
			wantErr: false,
		},
		{
			name:    "invalid level",
			cfg:     Config{Path: tmpDir, Level: "loud"},
			wantErr: true,
		},
		{
			name:    "no path (stderr only)",
			cfg:     Config{Level: "info", Format: "json"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && logger != nil {
				_ = logger.Close()
			}
		})
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := New(Config{Path: tmpDir, Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("hello from test")
	logger.InfoCtx("with fields", map[string]any{"task_id": "t-1"})
	_ = logger.Close()

	wantFile := filepath.Join(tmpDir, "taskmesh-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(wantFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), `"task_id":"t-1"`) {
		t.Errorf("log file missing structured field, got: %s", data)
	}
}

func TestWithComponent(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := New(Config{Path: tmpDir, Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	comp := logger.WithComponent("processor")
	comp.Info("component message")
	_ = logger.Close()

	wantFile := filepath.Join(tmpDir, "taskmesh-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(wantFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"processor"`) {
		t.Errorf("log file missing component field, got: %s", data)
	}
}

func TestCleanOldLogs(t *testing.T) {
	tmpDir := t.TempDir()

	old := filepath.Join(tmpDir, "taskmesh-2020-01-01.log")
	if err := os.WriteFile(old, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(tmpDir, "taskmesh-"+time.Now().Format("2006-01-02")+".log")
	if err := os.WriteFile(keep, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	l := &Logger{logDir: tmpDir}
	l.cleanOldLogs(7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expected old log removed, stat err = %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("expected current log kept, stat err = %v", err)
	}
}

func TestGetWithoutInit(t *testing.T) {
	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil")
	}
	// Must not panic.
	logger.Debug("noop")
}

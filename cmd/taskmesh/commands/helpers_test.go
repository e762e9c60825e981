package commands

import (
	"reflect"
	"testing"

	"github.com/marcus/taskmesh/internal/task"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{
			name: "strings",
			args: []string{"msg=hello", "target=desk-b"},
			want: map[string]any{"msg": "hello", "target": "desk-b"},
		},
		{
			name: "number coercion",
			args: []string{"count=3", "ratio=0.5"},
			want: map[string]any{"count": float64(3), "ratio": 0.5},
		},
		{
			name: "bool coercion",
			args: []string{"verbose=true", "quiet=false"},
			want: map[string]any{"verbose": true, "quiet": false},
		},
		{
			name: "value containing equals",
			args: []string{"command=FOO=bar env"},
			want: map[string]any{"command": "FOO=bar env"},
		},
		{
			name: "empty args",
			args: nil,
			want: nil,
		},
		{
			name:    "missing equals",
			args:    []string{"justakey"},
			wantErr: true,
		},
		{
			name:    "empty key",
			args:    []string{"=value"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePayload(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parsePayload(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"0b2587a1-7e71-4a32-9b56-93bd30a3f1c2", "0b2587a1"},
		{"short", "short"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := shortID(tt.id); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestFormatLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DBG"},
		{"info", "INF"},
		{"warn", "WRN"},
		{"error", "ERR"},
		{"fatal", "FAT"},
		{"x", "X"},
	}

	for _, tt := range tests {
		if got := formatLogLevel(tt.level); got != tt.want {
			t.Errorf("formatLogLevel(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestBuiltinRegistrySealed(t *testing.T) {
	reg, err := builtinRegistry()
	if err != nil {
		t.Fatalf("builtinRegistry: %v", err)
	}
	if len(reg.Types()) == 0 {
		t.Error("builtin registry should not be empty")
	}
	if err := reg.Register("late", task.Shape{}, nil, 0); err == nil {
		t.Error("registry should be sealed after builtinRegistry")
	}
}

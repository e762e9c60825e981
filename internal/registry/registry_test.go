package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/taskmesh/internal/task"
)

func noop(ctx context.Context, payload map[string]any) (string, error) {
	return "", nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()

	shape := task.Shape{
		Params:   map[string]task.ParamKind{"msg": task.KindString},
		Required: []string{"msg"},
	}
	if err := r.Register("echo", shape, noop, 5*time.Second); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Type != "echo" || entry.Timeout != 5*time.Second {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if len(entry.Shape.Required) != 1 || entry.Shape.Required[0] != "msg" {
		t.Errorf("shape not preserved: %+v", entry.Shape)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("echo", task.Shape{}, noop, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register("echo", task.Shape{}, noop, 0)
	var dup *DuplicateTypeError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTypeError, got %v", err)
	}
	if dup.Type != "echo" {
		t.Errorf("expected type echo in error, got %q", dup.Type)
	}
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	if err := r.Register("", task.Shape{}, noop, 0); err == nil {
		t.Error("expected error for empty type")
	}
	if err := r.Register("x", task.Shape{}, nil, 0); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()

	_, err := r.Resolve("missing")
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "missing" {
		t.Errorf("expected type missing in error, got %q", unknown.Type)
	}
}

func TestSeal(t *testing.T) {
	r := New()
	if err := r.Register("echo", task.Shape{}, noop, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Seal()

	if err := r.Register("late", task.Shape{}, noop, 0); err == nil {
		t.Error("expected registration after Seal to fail")
	}
	if _, err := r.Resolve("echo"); err != nil {
		t.Errorf("Resolve after Seal: %v", err)
	}
}

func TestTypes(t *testing.T) {
	r := New()
	for _, name := range []string{"shell", "echo", "open_app"} {
		if err := r.Register(name, task.Shape{}, noop, 0); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	got := r.Types()
	want := []string{"echo", "open_app", "shell"}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

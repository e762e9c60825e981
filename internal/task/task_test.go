package task

import (
	"errors"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tk := New("echo", map[string]any{"msg": "hi"})

	if tk.ID == "" {
		t.Error("expected non-empty ID")
	}
	if tk.Status != StatusPending {
		t.Errorf("expected status pending, got %s", tk.Status)
	}
	if tk.Owner != "" {
		t.Errorf("expected no owner at creation, got %q", tk.Owner)
	}
	if tk.Attempt != 0 {
		t.Errorf("expected attempt 0, got %d", tk.Attempt)
	}
	if tk.CreatedAt.IsZero() || tk.UpdatedAt.IsZero() {
		t.Error("expected timestamps set")
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tk := New("echo", nil)
		if seen[tk.ID] {
			t.Fatalf("duplicate task ID %s", tk.ID)
		}
		seen[tk.ID] = true
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusCancelled},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusPending}, // retry
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s allowed", tt.from, tt.to)
		}
	}

	// Every edge not in the allowed set must be rejected.
	all := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
	isAllowed := func(from, to Status) bool {
		for _, tt := range allowed {
			if tt.from == from && tt.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range all {
		for _, to := range all {
			if isAllowed(from, to) {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("expected %s -> %s rejected", from, to)
			}
		}
	}
}

func TestTransition(t *testing.T) {
	tk := New("echo", nil)
	before := tk.UpdatedAt

	time.Sleep(time.Millisecond)
	if err := tk.Transition(StatusInProgress); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if tk.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", tk.Status)
	}
	if !tk.UpdatedAt.After(before) {
		t.Error("expected UpdatedAt to advance")
	}

	err := tk.Transition(StatusCancelled)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != StatusInProgress || te.To != StatusCancelled {
		t.Errorf("unexpected error detail: %v", te)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("expected %s not terminal", s)
		}
	}
}

func TestDue(t *testing.T) {
	now := time.Now().UTC()

	tk := New("echo", nil)
	if !tk.Due(now.Add(time.Second)) {
		t.Error("pending task with no not-before should be due")
	}

	tk.NotBefore = now.Add(time.Minute)
	if tk.Due(now) {
		t.Error("task before its not-before should not be due")
	}
	if !tk.Due(now.Add(2 * time.Minute)) {
		t.Error("task past its not-before should be due")
	}

	tk.Status = StatusCompleted
	if tk.Due(now.Add(2 * time.Minute)) {
		t.Error("terminal task should never be due")
	}
}

func TestShapeValidate(t *testing.T) {
	shape := Shape{
		Params: map[string]ParamKind{
			"msg":   KindString,
			"count": KindNumber,
			"loud":  KindBool,
			"extra": KindAny,
		},
		Required: []string{"msg"},
	}

	tests := []struct {
		name      string
		payload   map[string]any
		wantField string
	}{
		{"valid minimal", map[string]any{"msg": "hi"}, ""},
		{"valid full", map[string]any{"msg": "hi", "count": 3, "loud": true, "extra": []int{1}}, ""},
		{"missing required", map[string]any{"count": 3}, "msg"},
		{"wrong kind", map[string]any{"msg": 42}, "msg"},
		{"undeclared param", map[string]any{"msg": "hi", "bogus": 1}, "bogus"},
		{"float number ok", map[string]any{"msg": "hi", "count": 1.5}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := shape.Validate(tt.payload)
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("expected offending field %q, got %q", tt.wantField, ve.Field)
			}
		})
	}
}

func TestClone(t *testing.T) {
	tk := New("echo", map[string]any{"msg": "hi"})
	tk.Result = &Result{Output: "hi"}

	c := tk.Clone()
	c.Payload["msg"] = "changed"
	c.Result.Output = "changed"

	if tk.Payload["msg"] != "hi" {
		t.Error("clone shares payload map")
	}
	if tk.Result.Output != "hi" {
		t.Error("clone shares result")
	}
}

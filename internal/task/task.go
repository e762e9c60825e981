// Package task defines the unit of delegated work and its status lifecycle.
// A Task is created by the delegation router, executed by the processor of
// its owning machine, and synchronized across machines through the remote
// task store.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed status edge set. InProgress -> Pending is the
// retry edge; a transient failure reschedules rather than terminating.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result holds the outcome of a terminal task: handler output on success,
// a human-readable error on failure.
type Result struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task is a unit of delegated work.
type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Owner     string         `json:"owner"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt"`
	Result    *Result        `json:"result,omitempty"`
	NotBefore time.Time      `json:"not_before,omitempty"` // earliest next execution, set on retry
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New creates a pending task with a fresh globally unique ID and no owner.
// Payload validation against the handler's shape happens at the router, not
// here; New never inspects the payload.
func New(taskType string, payload map[string]any) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to the given status, advancing UpdatedAt.
// Returns a TransitionError if the edge is not in the allowed set.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Due reports whether the task is runnable at the given instant, honoring
// the retry not-before schedule.
func (t *Task) Due(now time.Time) bool {
	return t.Status == StatusPending && !now.Before(t.NotBefore)
}

// Clone returns a deep copy; payload and result are copied so the caller can
// mutate freely without racing the processor.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

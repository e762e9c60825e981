package task

import "fmt"

// ValidationError reports a payload that does not satisfy the handler's
// declared shape. The task is rejected at creation; no partial task escapes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload field %q: %s", e.Field, e.Reason)
}

// TransitionError reports an attempted status change outside the allowed
// edge set. This is a programming error, never retried.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

package processor

import (
	"fmt"
	"time"
)

// HandlerExecutionError reports a handler returning an error. Transient:
// the attempt is rescheduled while the retry budget lasts.
type HandlerExecutionError struct {
	TaskID string
	Err    error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for task %s failed: %v", e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// HandlerTimeoutError reports a handler not returning within its declared
// timeout. The invocation may still be running and is assumed to finish or
// be abandoned; handlers must be safe to retry.
type HandlerTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler for task %s exceeded timeout %s", e.TaskID, e.Timeout)
}

// RetryExhaustedError is the terminal failure after the retry budget is
// spent. It carries the last handler error.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

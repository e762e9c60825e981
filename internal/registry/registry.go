// Package registry maps task type names to executable capabilities.
// The table is populated during process startup and sealed before the
// processor starts; reads after the seal need no locking.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/taskmesh/internal/task"
)

// Handler performs a task's real-world effect. It receives the validated
// payload and returns handler output or an error. The context carries the
// per-attempt timeout; handlers wrapping blocking I/O should honor it but
// the processor does not depend on them doing so.
type Handler func(ctx context.Context, payload map[string]any) (string, error)

// Entry is a registered capability: the handler function, its declared
// parameter shape, and a timeout hint for the processor.
type Entry struct {
	Type    string
	Shape   task.Shape
	Fn      Handler
	Timeout time.Duration // 0 means use the processor's default
}

// DuplicateTypeError reports a second registration for an existing type.
type DuplicateTypeError struct {
	Type string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("handler type %q already registered", e.Type)
}

// UnknownTypeError reports a lookup for an unregistered type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no handler registered for type %q", e.Type)
}

// Registry holds the type -> capability table.
type Registry struct {
	entries map[string]*Entry
	sealed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a capability. It fails with DuplicateTypeError if the type
// is taken, and with a plain error if called after Seal. Not safe for
// concurrent use; registration is a startup-only activity.
func (r *Registry) Register(taskType string, shape task.Shape, fn Handler, timeout time.Duration) error {
	if r.sealed {
		return fmt.Errorf("registry sealed, cannot register %q", taskType)
	}
	if taskType == "" {
		return fmt.Errorf("empty handler type")
	}
	if fn == nil {
		return fmt.Errorf("nil handler for type %q", taskType)
	}
	if _, exists := r.entries[taskType]; exists {
		return &DuplicateTypeError{Type: taskType}
	}

	r.entries[taskType] = &Entry{
		Type:    taskType,
		Shape:   shape,
		Fn:      fn,
		Timeout: timeout,
	}
	return nil
}

// Seal marks the registry read-only. Called once after startup registration.
func (r *Registry) Seal() {
	r.sealed = true
}

// Resolve returns the capability for a type, or UnknownTypeError.
func (r *Registry) Resolve(taskType string) (*Entry, error) {
	entry, ok := r.entries[taskType]
	if !ok {
		return nil, &UnknownTypeError{Type: taskType}
	}
	return entry, nil
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Package store bridges the processor and router to the shared remote task
// store that other machines also read and write. The store is the single
// source of truth for cross-machine visibility; conflicts resolve
// last-writer-wins per task id on updated_at, with owner identity as the
// deterministic tiebreak.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/taskmesh/internal/task"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("task not found in store")

// UnavailableError reports that the store could not be reached. It is a
// local operational condition, never a task outcome: callers retry the
// operation with backoff instead of failing the task.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Event is a task-changed notification from Watch. Version is the store's
// monotonic change cursor; resuming a watch from the last seen version
// replays anything missed during a disconnect.
type Event struct {
	Task    *task.Task
	Version uint64
}

// Peer is a machine's presence record.
type Peer struct {
	Name     string
	Online   bool
	LastSeen time.Time
}

// Store is the remote task store contract. Any document/KV backend with a
// last-writer-wins upsert and a pollable change feed can satisfy it; the
// SQLite implementation in this package is the default.
type Store interface {
	// Put upserts a task record keyed by id. Idempotent: re-putting an
	// identical record is a no-op, and a record losing the last-writer-wins
	// comparison leaves the stored row unchanged.
	Put(ctx context.Context, t *task.Task) error

	// Get reads a task by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Watch emits change events for tasks whose owner matches, starting
	// strictly after the given cursor. The channel closes when ctx ends.
	Watch(ctx context.Context, owner string, cursor uint64) (<-chan Event, error)

	// CurrentVersion returns the latest change cursor.
	CurrentVersion(ctx context.Context) (uint64, error)

	// ListByOwner returns all live (non-terminal) tasks for an owner.
	ListByOwner(ctx context.Context, owner string) ([]*task.Task, error)

	// List returns every task record, newest first.
	List(ctx context.Context) ([]*task.Task, error)

	// Loads returns each owner's count of pending plus in-progress tasks.
	Loads(ctx context.Context) (map[string]int, error)

	// Cancel moves a still-pending task to cancelled. Returns false without
	// error if the task already started or finished; cancellation is
	// best-effort, never preemptive.
	Cancel(ctx context.Context, id string) (bool, error)

	// Heartbeat records this machine's presence.
	Heartbeat(ctx context.Context, machine string, online bool) error

	// Peers returns all known presence records.
	Peers(ctx context.Context) ([]Peer, error)

	// SweepTerminal deletes terminal tasks whose last update is older than
	// the retention window. Returns the number removed.
	SweepTerminal(ctx context.Context, retention time.Duration) (int, error)

	Close() error
}

// Package queue implements the in-process FIFO holding pending tasks owned
// by the local machine. Dequeue blocks until a task arrives, the queue is
// closed, or the caller's context ends.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/marcus/taskmesh/internal/task"
)

// ErrQueueClosed is returned by Enqueue and Dequeue once Close has been
// called. Enqueueing into a closed queue is a shutdown-ordering bug in the
// caller, not a retryable condition.
var ErrQueueClosed = errors.New("task queue closed")

// Queue is an unbounded insertion-order FIFO. Concurrency limits are the
// processor's concern, not the queue's.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task.Task
	closed bool
}

// New creates an open, empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task. Fails with ErrQueueClosed during shutdown.
func (q *Queue) Enqueue(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, t)
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the oldest task, blocking until one is
// available. Returns ErrQueueClosed once the queue is closed and drained,
// or the context error if ctx ends first. Tasks already enqueued remain
// dequeueable after Close so in-flight work can drain.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			return t, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all blocked Dequeue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/task"
)

const maxPublishBackoff = time.Minute

// Publisher writes task transitions through to the store, absorbing store
// outages. A failed Put never rolls back local state: the record is parked
// and retried with backoff until the store recovers. Last-writer-wins at
// the store makes re-publication safe.
type Publisher struct {
	store Store
	log   *logging.Logger
	base  time.Duration

	mu      sync.Mutex
	pending map[string]*task.Task // id -> latest unpublished record
	kick    chan struct{}
}

// NewPublisher creates a publisher retrying failed writes starting at the
// given backoff base.
func NewPublisher(s Store, base time.Duration) *Publisher {
	if base <= 0 {
		base = time.Second
	}
	return &Publisher{
		store:   s,
		log:     logging.Component("publisher"),
		base:    base,
		pending: make(map[string]*task.Task),
		kick:    make(chan struct{}, 1),
	}
}

// Publish writes the task to the store. On store unavailability the record
// is parked for asynchronous retry and nil is returned; the caller's local
// state remains authoritative until reconciled. Non-availability errors
// (bad record encoding) are returned directly.
func (p *Publisher) Publish(ctx context.Context, t *task.Task) error {
	err := p.store.Put(ctx, t)
	if err == nil {
		return nil
	}

	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		return err
	}

	p.log.Warnf("store unavailable, parking %s for retry: %v", t.ID, err)
	p.park(t)
	return nil
}

// park stashes the record, keeping only the newest per task id.
func (p *Publisher) park(t *task.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pending[t.ID]; ok && existing.UpdatedAt.After(t.UpdatedAt) {
		return
	}
	p.pending[t.ID] = t.Clone()
}

// Pending returns the number of parked records.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Kick triggers an immediate retry pass.
func (p *Publisher) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run retries parked records until ctx ends, doubling the wait after each
// pass that leaves records behind, capped at one minute.
func (p *Publisher) Run(ctx context.Context) {
	backoff := p.base
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		case <-p.kick:
			backoff = p.base
		}

		if remaining := p.flush(ctx); remaining == 0 {
			backoff = p.base
		} else {
			backoff *= 2
			if backoff > maxPublishBackoff {
				backoff = maxPublishBackoff
			}
			p.log.Warnf("%d records still unpublished, next retry in %s", remaining, backoff)
		}
	}
}

// flush attempts every parked record once, returning how many remain.
func (p *Publisher) flush(ctx context.Context) int {
	p.mu.Lock()
	batch := make([]*task.Task, 0, len(p.pending))
	for _, t := range p.pending {
		batch = append(batch, t)
	}
	p.mu.Unlock()

	for _, t := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := p.store.Put(ctx, t); err != nil {
			continue
		}
		p.mu.Lock()
		if current, ok := p.pending[t.ID]; ok && !current.UpdatedAt.After(t.UpdatedAt) {
			delete(p.pending, t.ID)
		}
		p.mu.Unlock()
	}

	return p.Pending()
}

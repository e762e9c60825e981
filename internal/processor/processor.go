// Package processor executes tasks owned by the local machine. A bounded
// worker pool is fed by the local queue merged with the store's watch
// stream, so both locally created and delegated tasks flow through the
// same execution path. Every status transition is written through the
// store so originating machines observe completion.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/queue"
	"github.com/marcus/taskmesh/internal/registry"
	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

// Defaults for processor configuration.
const (
	DefaultMaxAttempts      = 3
	DefaultRetryBackoffBase = 2 * time.Second
	DefaultConcurrency      = 4
	DefaultHandlerTimeout   = 60 * time.Second
)

// Config holds processor configuration.
type Config struct {
	Machine          string        // local machine identity; only tasks owned by it execute here
	MaxAttempts      int           // retry budget per task
	RetryBackoffBase time.Duration // first retry delay, doubled per attempt
	Concurrency      int           // max handlers executing simultaneously
	DefaultTimeout   time.Duration // handler timeout when the registry entry has none
}

// DefaultConfig returns default processor config for a machine.
func DefaultConfig(machine string) Config {
	return Config{
		Machine:          machine,
		MaxAttempts:      DefaultMaxAttempts,
		RetryBackoffBase: DefaultRetryBackoffBase,
		Concurrency:      DefaultConcurrency,
		DefaultTimeout:   DefaultHandlerTimeout,
	}
}

// Processor is the scheduling loop that pulls due tasks and executes them
// through the handler registry.
type Processor struct {
	registry     *registry.Registry
	store        store.Store
	publisher    *store.Publisher
	local        *queue.Queue
	cfg          Config
	log          *logging.Logger
	eventHandler EventHandler

	mu      sync.Mutex
	claimed map[string]bool // ids this processor has queued or running

	work    chan *task.Task
	done    chan struct{}
	workers sync.WaitGroup
	feeders sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithEventHandler sets an optional callback for real-time processor events.
func WithEventHandler(h EventHandler) Option {
	return func(p *Processor) {
		p.eventHandler = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Processor) {
		p.log = l
	}
}

// New creates a processor. The publisher carries all store writes so an
// unreachable store never blocks or fails execution.
func New(reg *registry.Registry, st store.Store, pub *store.Publisher, local *queue.Queue, cfg Config, opts ...Option) *Processor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultHandlerTimeout
	}

	p := &Processor{
		registry:  reg,
		store:     st,
		publisher: pub,
		local:     local,
		cfg:       cfg,
		log:       logging.Component("processor"),
		claimed:   make(map[string]bool),
		work:      make(chan *task.Task),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// emit sends an event to the registered handler, if any.
func (p *Processor) emit(e Event) {
	if p.eventHandler != nil {
		e.Time = time.Now()
		p.eventHandler(e)
	}
}

// Run executes tasks until ctx ends. On shutdown the local queue is closed,
// in-flight handlers finish, and the watch subscription tears down. Run
// blocks until teardown completes.
func (p *Processor) Run(ctx context.Context) error {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	// Capture the cursor before recovering the backlog; anything written
	// between the two shows up in both and is deduplicated by the claim set.
	cursor, err := p.store.CurrentVersion(ctx)
	if err != nil {
		p.log.Warnf("reading store cursor: %v", err)
	}

	events, err := p.store.Watch(watchCtx, p.cfg.Machine, cursor)
	if err != nil {
		return err
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.workers.Add(1)
		go p.worker(ctx)
	}

	p.feeders.Add(1)
	go func() {
		defer p.feeders.Done()
		p.recoverBacklog(ctx)
	}()

	p.feeders.Add(2)
	go p.feedFromQueue(ctx)
	go p.feedFromWatch(ctx, events)

	p.log.InfoCtx("processor running", map[string]any{
		"machine":     p.cfg.Machine,
		"concurrency": p.cfg.Concurrency,
	})

	<-ctx.Done()

	p.local.Close()
	close(p.done)
	stopWatch()
	p.feeders.Wait()
	p.workers.Wait()

	p.log.Info("processor stopped")
	return nil
}

// recoverBacklog dispatches tasks already assigned to this machine in the
// store, covering work delegated while the processor was not running.
func (p *Processor) recoverBacklog(ctx context.Context) {
	backlog, err := p.store.ListByOwner(ctx, p.cfg.Machine)
	if err != nil {
		p.log.Warnf("recovering backlog: %v", err)
		return
	}
	for _, t := range backlog {
		p.dispatch(ctx, t)
	}
}

// feedFromQueue moves locally enqueued tasks into the worker pool.
func (p *Processor) feedFromQueue(ctx context.Context) {
	defer p.feeders.Done()
	for {
		t, err := p.local.Dequeue(ctx)
		if err != nil {
			return
		}
		p.dispatch(ctx, t)
	}
}

// feedFromWatch moves store change events into the worker pool. The watch
// also carries this machine's own writes; the claim set filters them.
func (p *Processor) feedFromWatch(ctx context.Context, events <-chan store.Event) {
	defer p.feeders.Done()
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.dispatch(ctx, ev.Task)
		}
	}
}

// dispatch claims a runnable task and hands it to a worker. Tasks not owned
// here, not pending, or already claimed are dropped; a task inside its retry
// backoff is scheduled for later.
func (p *Processor) dispatch(ctx context.Context, t *task.Task) {
	if t.Owner != p.cfg.Machine || t.Status != task.StatusPending {
		return
	}
	if !p.claim(t.ID) {
		return
	}

	if delay := time.Until(t.NotBefore); delay > 0 {
		p.scheduleAfter(ctx, t, delay)
		return
	}
	p.submit(ctx, t)
}

// submit blocks until a worker is free, bounding concurrency.
func (p *Processor) submit(ctx context.Context, t *task.Task) {
	select {
	case p.work <- t:
	case <-p.done:
		p.unclaim(t.ID)
	case <-ctx.Done():
		p.unclaim(t.ID)
	}
}

// scheduleAfter re-submits a claimed task once its not-before time passes.
func (p *Processor) scheduleAfter(ctx context.Context, t *task.Task, delay time.Duration) {
	p.feeders.Add(1)
	go func() {
		defer p.feeders.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.submit(ctx, t)
		case <-p.done:
			p.unclaim(t.ID)
		}
	}()
}

func (p *Processor) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[id] {
		return false
	}
	p.claimed[id] = true
	return true
}

func (p *Processor) unclaim(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, id)
}

// Claimed returns the number of tasks queued or running.
func (p *Processor) Claimed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.claimed)
}

func (p *Processor) worker(ctx context.Context) {
	defer p.workers.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-p.work:
			p.execute(ctx, t)
		}
	}
}

// execute runs one attempt of a claimed task and applies the outcome to the
// status state machine.
func (p *Processor) execute(ctx context.Context, t *task.Task) {
	// A cancellation that reached the store before the task started wins.
	// Once the handler is running cancellation is best-effort only.
	if fresh, err := p.store.Get(ctx, t.ID); err == nil {
		if fresh.Status != task.StatusPending {
			p.log.Infof("skipping %s: status %s in store", t.ID, fresh.Status)
			p.unclaim(t.ID)
			return
		}
		t = fresh
	}

	if t.Attempt == 0 {
		p.emit(Event{Type: EventTaskStart, TaskID: t.ID, TaskType: t.Type})
	}

	entry, err := p.registry.Resolve(t.Type)
	if err != nil {
		// Delegated to a machine without this capability; retrying locally
		// cannot help.
		p.finishFailed(ctx, t, err)
		return
	}

	t.Attempt++
	if err := t.Transition(task.StatusInProgress); err != nil {
		p.log.Err(err).Str("task_id", t.ID).Msg("dispatch raced a status change")
		p.unclaim(t.ID)
		return
	}
	p.publish(ctx, t)

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	p.emit(Event{Type: EventAttemptStart, TaskID: t.ID, TaskType: t.Type, Attempt: t.Attempt, MaxAttempts: p.cfg.MaxAttempts})
	start := time.Now()

	output, attemptErr := p.invoke(ctx, entry, t, timeout)

	elapsed := time.Since(start)
	ev := Event{Type: EventAttemptEnd, TaskID: t.ID, TaskType: t.Type, Attempt: t.Attempt, MaxAttempts: p.cfg.MaxAttempts, Duration: elapsed}
	if attemptErr != nil {
		ev.Error = attemptErr.Error()
	}
	p.emit(ev)

	switch {
	case attemptErr == nil:
		p.finishCompleted(ctx, t, output)
	case t.Attempt >= p.cfg.MaxAttempts:
		p.finishFailed(ctx, t, &RetryExhaustedError{TaskID: t.ID, Attempts: t.Attempt, LastErr: attemptErr})
	default:
		p.retryLater(ctx, t, attemptErr)
	}
}

// invoke runs the handler with its timeout. The handler context is
// detached from the run context so shutdown waits out in-flight attempts
// instead of interrupting them; the timeout still bounds the wait. A
// handler goroutine that outlives its timeout is abandoned and the
// attempt marked failed regardless.
func (p *Processor) invoke(ctx context.Context, entry *registry.Entry, t *task.Task, timeout time.Duration) (string, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	hctx = task.ContextWithID(hctx, t.ID)

	type outcome struct {
		output string
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		output, err := entry.Fn(hctx, t.Payload)
		resultCh <- outcome{output: output, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", &HandlerExecutionError{TaskID: t.ID, Err: res.err}
		}
		return res.output, nil
	case <-hctx.Done():
		return "", &HandlerTimeoutError{TaskID: t.ID, Timeout: timeout}
	}
}

func (p *Processor) finishCompleted(ctx context.Context, t *task.Task, output string) {
	if err := t.Transition(task.StatusCompleted); err != nil {
		p.log.Err(err).Str("task_id", t.ID).Msg("completion transition rejected")
		p.unclaim(t.ID)
		return
	}
	t.Result = &task.Result{Output: output}
	p.publish(ctx, t)
	p.unclaim(t.ID)

	p.log.InfoCtx("task completed", map[string]any{"task_id": t.ID, "attempt": t.Attempt})
	p.emit(Event{Type: EventTaskEnd, TaskID: t.ID, TaskType: t.Type, Attempt: t.Attempt, Status: task.StatusCompleted, Duration: time.Since(t.CreatedAt)})
}

func (p *Processor) finishFailed(ctx context.Context, t *task.Task, cause error) {
	if t.Status == task.StatusPending {
		// Resolve failed before the attempt started; walk the state machine
		// through in_progress so no illegal edge is taken.
		t.Attempt++
		if err := t.Transition(task.StatusInProgress); err != nil {
			p.unclaim(t.ID)
			return
		}
	}
	if err := t.Transition(task.StatusFailed); err != nil {
		p.log.Err(err).Str("task_id", t.ID).Msg("failure transition rejected")
		p.unclaim(t.ID)
		return
	}
	t.Result = &task.Result{Error: cause.Error()}
	p.publish(ctx, t)
	p.unclaim(t.ID)

	p.log.ErrorCtx("task failed", map[string]any{"task_id": t.ID, "attempt": t.Attempt, "error": cause.Error()})
	p.emit(Event{Type: EventTaskEnd, TaskID: t.ID, TaskType: t.Type, Attempt: t.Attempt, Status: task.StatusFailed, Error: cause.Error(), Duration: time.Since(t.CreatedAt)})
}

// retryLater returns the task to pending with an exponential not-before
// delay and keeps the claim so the retry runs on this processor.
func (p *Processor) retryLater(ctx context.Context, t *task.Task, cause error) {
	if err := t.Transition(task.StatusPending); err != nil {
		p.log.Err(err).Str("task_id", t.ID).Msg("retry transition rejected")
		p.unclaim(t.ID)
		return
	}
	delay := p.cfg.RetryBackoffBase << (t.Attempt - 1)
	t.NotBefore = time.Now().UTC().Add(delay)
	p.publish(ctx, t)

	p.log.InfoCtx("task retry scheduled", map[string]any{
		"task_id": t.ID,
		"attempt": t.Attempt,
		"delay":   delay.String(),
		"error":   cause.Error(),
	})
	p.emit(Event{Type: EventTaskRetry, TaskID: t.ID, TaskType: t.Type, Attempt: t.Attempt, MaxAttempts: p.cfg.MaxAttempts, NotBefore: t.NotBefore, Error: cause.Error()})

	p.scheduleAfter(ctx, t, delay)
}

// publish writes the transition through the store; the publisher absorbs
// outages and local state stays authoritative until reconciled. The write
// context is detached so transitions reached during shutdown still land.
func (p *Processor) publish(ctx context.Context, t *task.Task) {
	if err := p.publisher.Publish(context.WithoutCancel(ctx), t.Clone()); err != nil {
		p.log.Err(err).Str("task_id", t.ID).Msg("publishing transition")
	}
}

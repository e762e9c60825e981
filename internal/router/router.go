// Package router assigns an owner to newly created tasks and persists the
// assignment to the remote task store. Ownership is set exactly once at
// creation; reassignment means creating a new task.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/queue"
	"github.com/marcus/taskmesh/internal/registry"
	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

// DelegationError reports that owner assignment or its publication failed.
// Task creation aborts; there is no silent fallback to local execution.
type DelegationError struct {
	Err error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation failed: %v", e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// PeerLoad is a routing candidate: a healthy peer and its observed count of
// pending plus in-progress tasks.
type PeerLoad struct {
	Name string
	Load int
}

// Policy chooses an owner from the healthy remote candidates. An empty
// candidate list must return self.
type Policy func(self string, candidates []PeerLoad) string

// LeastLoaded routes to the candidate with the lowest observed load, breaking
// ties by lexical name order. With no candidates the task stays local.
func LeastLoaded(self string, candidates []PeerLoad) string {
	if len(candidates) == 0 {
		return self
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0].Name
}

// Config holds router configuration.
type Config struct {
	Self          string        // local machine identity
	Peers         []string      // known peer identities
	HealthyWindow time.Duration // presence freshness bound for a peer to count as healthy
	Policy        Policy        // nil means LeastLoaded
}

// Router validates new tasks, assigns owners, and persists the assignment.
type Router struct {
	registry *registry.Registry
	store    store.Store
	local    *queue.Queue
	cfg      Config
	log      *logging.Logger
}

// New creates a router. The queue receives tasks routed to self so the
// local processor picks them up without waiting for a store poll.
func New(reg *registry.Registry, st store.Store, local *queue.Queue, cfg Config) *Router {
	if cfg.Policy == nil {
		cfg.Policy = LeastLoaded
	}
	if cfg.HealthyWindow <= 0 {
		cfg.HealthyWindow = 90 * time.Second
	}
	return &Router{
		registry: reg,
		store:    st,
		local:    local,
		cfg:      cfg,
		log:      logging.Component("router"),
	}
}

// CreateTask validates the payload against the handler's declared shape,
// creates the task, assigns an owner, and writes it to the store. Returns
// the task id, or the typed error that rejected creation: UnknownTypeError,
// ValidationError, or DelegationError. No task record exists on failure.
func (r *Router) CreateTask(ctx context.Context, taskType string, payload map[string]any) (string, error) {
	entry, err := r.registry.Resolve(taskType)
	if err != nil {
		return "", err
	}
	if err := entry.Shape.Validate(payload); err != nil {
		return "", err
	}

	t := task.New(taskType, payload)

	owner, err := r.chooseOwner(ctx)
	if err != nil {
		return "", &DelegationError{Err: err}
	}
	t.Owner = owner

	if err := r.store.Put(ctx, t); err != nil {
		return "", &DelegationError{Err: err}
	}

	r.log.InfoCtx("task created", map[string]any{
		"task_id": t.ID,
		"type":    t.Type,
		"owner":   owner,
	})

	if owner == r.cfg.Self && r.local != nil {
		if err := r.local.Enqueue(t); err != nil {
			// The record is already persisted; the watch stream will deliver
			// it if the queue is shutting down.
			r.log.Warnf("local enqueue failed for %s: %v", t.ID, err)
		}
	}

	return t.ID, nil
}

// chooseOwner applies the routing policy over the healthy peers and their
// observed loads.
func (r *Router) chooseOwner(ctx context.Context) (string, error) {
	healthy, err := r.healthyPeers(ctx)
	if err != nil {
		return "", err
	}
	if len(healthy) == 0 {
		return r.cfg.Self, nil
	}

	loads, err := r.store.Loads(ctx)
	if err != nil {
		return "", err
	}

	candidates := make([]PeerLoad, 0, len(healthy))
	for _, name := range healthy {
		candidates = append(candidates, PeerLoad{Name: name, Load: loads[name]})
	}
	return r.cfg.Policy(r.cfg.Self, candidates), nil
}

// healthyPeers returns configured peers with a fresh online presence record.
func (r *Router) healthyPeers(ctx context.Context) ([]string, error) {
	if len(r.cfg.Peers) == 0 {
		return nil, nil
	}

	presence, err := r.store.Peers(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(r.cfg.Peers))
	for _, p := range r.cfg.Peers {
		known[p] = true
	}

	cutoff := time.Now().UTC().Add(-r.cfg.HealthyWindow)
	var healthy []string
	for _, p := range presence {
		if known[p.Name] && p.Online && p.LastSeen.After(cutoff) {
			healthy = append(healthy, p.Name)
		}
	}
	return healthy, nil
}

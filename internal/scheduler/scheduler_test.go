package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDefaults(t *testing.T) {
	m := New(openTestStore(t), nil, Config{Machine: "desk-a"})
	if m.cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v", m.cfg.HeartbeatInterval)
	}
	if m.cfg.Retention != DefaultRetention {
		t.Errorf("Retention = %v", m.cfg.Retention)
	}
	if m.cfg.SweepSpec != DefaultSweepSpec {
		t.Errorf("SweepSpec = %q", m.cfg.SweepSpec)
	}
}

func TestStartRegistersJobsAndHeartbeats(t *testing.T) {
	s := openTestStore(t)
	m := New(s, nil, Config{Machine: "desk-a"})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(ctx)

	if got := m.Jobs(); got != 2 {
		t.Errorf("Jobs() = %d, want 2", got)
	}

	peers, err := s.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Name != "desk-a" || !peers[0].Online {
		t.Errorf("peers = %+v, want desk-a online", peers)
	}
}

func TestStartRejectsBadSweepSpec(t *testing.T) {
	m := New(openTestStore(t), nil, Config{Machine: "desk-a", SweepSpec: "not a cron spec"})
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start accepted an invalid sweep spec")
	}
}

func TestStopMarksOffline(t *testing.T) {
	s := openTestStore(t)
	m := New(s, nil, Config{Machine: "desk-a"})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop(ctx)

	peers, err := s.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Online {
		t.Errorf("peers = %+v, want desk-a offline", peers)
	}
}

func TestSweepRemovesOldTerminalTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := task.New("echo", nil)
	old.Owner = "desk-a"
	old.Status = task.StatusCompleted
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.Put(ctx, old); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fresh := task.New("echo", nil)
	fresh.Owner = "desk-a"
	if err := s.Put(ctx, fresh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	m := New(s, nil, Config{Machine: "desk-a", Retention: 24 * time.Hour})
	m.Sweep(ctx)

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old terminal task still present, err = %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("pending task swept: %v", err)
	}
}

// gatedStore delegates to a real store but can simulate an outage.
type gatedStore struct {
	store.Store

	mu   sync.Mutex
	down bool
}

func (g *gatedStore) setDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *gatedStore) unavailable(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return &store.UnavailableError{Op: op, Err: errors.New("simulated outage")}
	}
	return nil
}

func (g *gatedStore) Put(ctx context.Context, t *task.Task) error {
	if err := g.unavailable("put"); err != nil {
		return err
	}
	return g.Store.Put(ctx, t)
}

func (g *gatedStore) Heartbeat(ctx context.Context, machine string, online bool) error {
	if err := g.unavailable("heartbeat"); err != nil {
		return err
	}
	return g.Store.Heartbeat(ctx, machine, online)
}

func TestHeartbeatFlushesParkedWrites(t *testing.T) {
	gated := &gatedStore{Store: openTestStore(t)}
	pub := store.NewPublisher(gated, time.Hour) // backoff too long to self-recover

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	gated.setDown(true)
	tk := task.New("echo", nil)
	tk.Owner = "desk-a"
	if err := pub.Publish(ctx, tk); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", pub.Pending())
	}

	gated.setDown(false)
	m := New(gated, pub, Config{Machine: "desk-a"})
	m.Heartbeat(ctx)

	deadline := time.After(2 * time.Second)
	for pub.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatalf("parked write never flushed, pending = %d", pub.Pending())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := gated.Get(ctx, tk.ID); err != nil {
		t.Errorf("flushed task not in store: %v", err)
	}
}

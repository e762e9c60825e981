package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/taskmesh/internal/queue"
	"github.com/marcus/taskmesh/internal/registry"
	"github.com/marcus/taskmesh/internal/store"
	"github.com/marcus/taskmesh/internal/task"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	shape := task.Shape{
		Params:   map[string]task.ParamKind{"msg": task.KindString},
		Required: []string{"msg"},
	}
	err := reg.Register("echo", shape, func(ctx context.Context, payload map[string]any) (string, error) {
		return payload["msg"].(string), nil
	}, time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Seal()
	return reg
}

func testStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTask_UnknownType(t *testing.T) {
	r := New(testRegistry(t), testStore(t), queue.New(), Config{Self: "desk-a"})

	_, err := r.CreateTask(context.Background(), "bogus", nil)
	var unknown *registry.UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
}

func TestCreateTask_InvalidPayload(t *testing.T) {
	s := testStore(t)
	r := New(testRegistry(t), s, queue.New(), Config{Self: "desk-a"})

	_, err := r.CreateTask(context.Background(), "echo", map[string]any{"msg": 42})
	var ve *task.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// No partial task escapes a failed creation.
	all, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty store after rejected creation, got %d tasks", len(all))
	}
}

func TestCreateTask_NoPeersRoutesToSelf(t *testing.T) {
	s := testStore(t)
	q := queue.New()
	r := New(testRegistry(t), s, q, Config{Self: "desk-a"})

	id, err := r.CreateTask(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != "desk-a" {
		t.Errorf("owner = %s, want desk-a", got.Owner)
	}
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if q.Len() != 1 {
		t.Errorf("local queue len = %d, want 1", q.Len())
	}
}

func TestCreateTask_RoutesToLeastLoadedPeer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Peer B carries five live tasks, peer A none.
	for i := 0; i < 5; i++ {
		tk := task.New("echo", map[string]any{"msg": "x"})
		tk.Owner = "desk-b"
		if err := s.Put(ctx, tk); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Heartbeat(ctx, "desk-a2", true); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := s.Heartbeat(ctx, "desk-b", true); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	q := queue.New()
	r := New(testRegistry(t), s, q, Config{
		Self:          "origin",
		Peers:         []string{"desk-a2", "desk-b"},
		HealthyWindow: time.Minute,
	})

	id, err := r.CreateTask(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != "desk-a2" {
		t.Errorf("owner = %s, want desk-a2 (least loaded)", got.Owner)
	}
	if q.Len() != 0 {
		t.Errorf("remote task must not enter the local queue, len = %d", q.Len())
	}
}

func TestCreateTask_StalePresenceFallsBackToSelf(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Presence exists but only the offline/stale kind.
	if err := s.Heartbeat(ctx, "desk-b", false); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	r := New(testRegistry(t), s, queue.New(), Config{
		Self:          "desk-a",
		Peers:         []string{"desk-b"},
		HealthyWindow: time.Minute,
	})

	id, err := r.CreateTask(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Owner != "desk-a" {
		t.Errorf("owner = %s, want desk-a", got.Owner)
	}
}

func TestCreateTask_StoreDownFailsWithDelegationError(t *testing.T) {
	s := testStore(t)
	r := New(testRegistry(t), s, queue.New(), Config{Self: "desk-a"})

	_ = s.Close()

	_, err := r.CreateTask(context.Background(), "echo", map[string]any{"msg": "hi"})
	var de *DelegationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
}

func TestLeastLoaded(t *testing.T) {
	tests := []struct {
		name       string
		candidates []PeerLoad
		want       string
	}{
		{"no candidates", nil, "self"},
		{"single", []PeerLoad{{"desk-b", 3}}, "desk-b"},
		{"lowest load", []PeerLoad{{"desk-b", 5}, {"desk-c", 1}}, "desk-c"},
		{"tie lexical", []PeerLoad{{"desk-c", 2}, {"desk-b", 2}}, "desk-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LeastLoaded("self", tt.candidates); got != tt.want {
				t.Errorf("LeastLoaded() = %s, want %s", got, tt.want)
			}
		})
	}
}

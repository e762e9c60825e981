package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/taskmesh/internal/task"
)

// flakyStore fails Put while down, recording successful writes.
type flakyStore struct {
	mu   sync.Mutex
	down bool
	puts map[string]*task.Task
}

func newFlakyStore() *flakyStore {
	return &flakyStore{puts: make(map[string]*task.Task)}
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) Put(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return &UnavailableError{Op: "put", Err: errors.New("store offline")}
	}
	f.puts[t.ID] = t.Clone()
	return nil
}

func (f *flakyStore) stored(id string) *task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[id]
}

func (f *flakyStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return nil, ErrNotFound
}
func (f *flakyStore) Watch(ctx context.Context, owner string, cursor uint64) (<-chan Event, error) {
	ch := make(chan Event)
	close(ch)
	return ch, nil
}
func (f *flakyStore) CurrentVersion(ctx context.Context) (uint64, error) { return 0, nil }
func (f *flakyStore) ListByOwner(ctx context.Context, owner string) ([]*task.Task, error) {
	return nil, nil
}
func (f *flakyStore) List(ctx context.Context) ([]*task.Task, error)  { return nil, nil }
func (f *flakyStore) Loads(ctx context.Context) (map[string]int, error) { return nil, nil }
func (f *flakyStore) Cancel(ctx context.Context, id string) (bool, error) { return false, nil }
func (f *flakyStore) Heartbeat(ctx context.Context, machine string, online bool) error {
	return nil
}
func (f *flakyStore) Peers(ctx context.Context) ([]Peer, error) { return nil, nil }
func (f *flakyStore) SweepTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}
func (f *flakyStore) Close() error { return nil }

func TestPublishImmediate(t *testing.T) {
	fs := newFlakyStore()
	p := NewPublisher(fs, 10*time.Millisecond)

	tk := task.New("echo", nil)
	if err := p.Publish(context.Background(), tk); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fs.stored(tk.ID) == nil {
		t.Error("expected immediate write to reach store")
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
}

func TestPublishParksOnUnavailable(t *testing.T) {
	fs := newFlakyStore()
	fs.setDown(true)
	p := NewPublisher(fs, 10*time.Millisecond)

	tk := task.New("echo", nil)
	if err := p.Publish(context.Background(), tk); err != nil {
		t.Fatalf("Publish should absorb unavailability, got %v", err)
	}
	if p.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", p.Pending())
	}
}

func TestPublishRetriesUntilStoreRecovers(t *testing.T) {
	fs := newFlakyStore()
	fs.setDown(true)
	p := NewPublisher(fs, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	tk := task.New("echo", nil)
	if err := p.Publish(ctx, tk); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Store stays down for a few retry passes, then recovers.
	time.Sleep(50 * time.Millisecond)
	if fs.stored(tk.ID) != nil {
		t.Fatal("write reached store while it was down")
	}
	fs.setDown(false)
	p.Kick()

	deadline := time.After(2 * time.Second)
	for fs.stored(tk.ID) == nil {
		select {
		case <-deadline:
			t.Fatal("parked record never reached recovered store")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d after recovery, want 0", p.Pending())
	}
}

func TestParkKeepsNewestRecord(t *testing.T) {
	fs := newFlakyStore()
	fs.setDown(true)
	p := NewPublisher(fs, time.Second)

	tk := task.New("echo", nil)
	older := tk.Clone()
	older.UpdatedAt = tk.UpdatedAt.Add(-time.Minute)

	if err := p.Publish(context.Background(), tk); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), older); err != nil {
		t.Fatalf("Publish older: %v", err)
	}

	if p.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (same id collapses)", p.Pending())
	}

	fs.setDown(false)
	p.flush(context.Background())

	stored := fs.stored(tk.ID)
	if stored == nil {
		t.Fatal("record not flushed")
	}
	if !stored.UpdatedAt.Equal(tk.UpdatedAt) {
		t.Errorf("flushed stale record: %v, want %v", stored.UpdatedAt, tk.UpdatedAt)
	}
}

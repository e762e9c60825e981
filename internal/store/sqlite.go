package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/task"
)

// DefaultPollInterval is the fallback watch poll interval.
const DefaultPollInterval = 5 * time.Second

// SQLite implements Store on a SQLite database. The database file lives on
// a path shared between machines (network mount, synced directory); WAL
// mode and a busy timeout keep concurrent cross-process access safe.
type SQLite struct {
	sql  *sql.DB
	path string
	log  *logging.Logger

	// PollInterval bounds how stale a Watch can be when file notifications
	// are unavailable. Set before the first Watch call.
	PollInterval time.Duration
}

// Open opens or creates the store database, applies pragmas, and runs
// migrations.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &SQLite{
		sql:          sqlDB,
		path:         path,
		log:          logging.Component("store"),
		PollInterval: DefaultPollInterval,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

const taskColumns = `id, type, payload, owner, status, attempt, result, not_before, created_at, updated_at, version`

// Put upserts the task with last-writer-wins semantics: a higher updated_at
// wins; on equal timestamps the lexically smaller owner wins. A losing or
// identical write leaves the stored row untouched.
func (s *SQLite) Put(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var result sql.NullString
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return &UnavailableError{Op: "put", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return &UnavailableError{Op: "put", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type       = excluded.type,
			payload    = excluded.payload,
			owner      = excluded.owner,
			status     = excluded.status,
			attempt    = excluded.attempt,
			result     = excluded.result,
			not_before = excluded.not_before,
			updated_at = excluded.updated_at,
			version    = excluded.version
		WHERE excluded.updated_at > tasks.updated_at
		   OR (excluded.updated_at = tasks.updated_at AND excluded.owner < tasks.owner)`,
		t.ID, t.Type, string(payload), t.Owner, string(t.Status), t.Attempt,
		result, toMillis(t.NotBefore), toMillis(t.CreatedAt), toMillis(t.UpdatedAt), version,
	)
	if err != nil {
		return &UnavailableError{Op: "put", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &UnavailableError{Op: "put", Err: err}
	}
	return nil
}

// nextVersion advances and returns the global change cursor.
func nextVersion(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE mesh_seq SET version = version + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var version uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM mesh_seq WHERE id = 1`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Get reads a task by id.
func (s *SQLite) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.sql.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, _, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &UnavailableError{Op: "get", Err: err}
	}
	return t, nil
}

// CurrentVersion returns the latest change cursor.
func (s *SQLite) CurrentVersion(ctx context.Context) (uint64, error) {
	var version uint64
	err := s.sql.QueryRowContext(ctx, `SELECT version FROM mesh_seq WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, &UnavailableError{Op: "current_version", Err: err}
	}
	return version, nil
}

// ListByOwner returns all live tasks for an owner, oldest first.
func (s *SQLite) ListByOwner(ctx context.Context, owner string) ([]*task.Task, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE owner = ? AND status IN (?, ?)
		ORDER BY created_at ASC`,
		owner, string(task.StatusPending), string(task.StatusInProgress))
	if err != nil {
		return nil, &UnavailableError{Op: "list_by_owner", Err: err}
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// List returns every task record, newest first.
func (s *SQLite) List(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.sql.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, &UnavailableError{Op: "list", Err: err}
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// Loads returns each owner's count of pending plus in-progress tasks.
func (s *SQLite) Loads(ctx context.Context) (map[string]int, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT owner, COUNT(*) FROM tasks
		WHERE status IN (?, ?)
		GROUP BY owner`,
		string(task.StatusPending), string(task.StatusInProgress))
	if err != nil {
		return nil, &UnavailableError{Op: "loads", Err: err}
	}
	defer func() { _ = rows.Close() }()

	loads := make(map[string]int)
	for rows.Next() {
		var owner string
		var count int
		if err := rows.Scan(&owner, &count); err != nil {
			return nil, &UnavailableError{Op: "loads", Err: err}
		}
		loads[owner] = count
	}
	return loads, rows.Err()
}

// Cancel moves a still-pending task to cancelled. A task that already
// started or finished is left alone and false is returned.
func (s *SQLite) Cancel(ctx context.Context, id string) (bool, error) {
	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, &UnavailableError{Op: "cancel", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return false, &UnavailableError{Op: "cancel", Err: err}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?, version = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusCancelled), toMillis(time.Now().UTC()), version,
		id, string(task.StatusPending))
	if err != nil {
		return false, &UnavailableError{Op: "cancel", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, &UnavailableError{Op: "cancel", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &UnavailableError{Op: "cancel", Err: err}
	}
	return affected > 0, nil
}

// Heartbeat records this machine's presence.
func (s *SQLite) Heartbeat(ctx context.Context, machine string, online bool) error {
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO peers (name, online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET online = excluded.online, last_seen = excluded.last_seen`,
		machine, onlineInt, toMillis(time.Now().UTC()))
	if err != nil {
		return &UnavailableError{Op: "heartbeat", Err: err}
	}
	return nil
}

// Peers returns all known presence records, sorted by name.
func (s *SQLite) Peers(ctx context.Context) ([]Peer, error) {
	rows, err := s.sql.QueryContext(ctx, `SELECT name, online, last_seen FROM peers ORDER BY name ASC`)
	if err != nil {
		return nil, &UnavailableError{Op: "peers", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var peers []Peer
	for rows.Next() {
		var p Peer
		var online int
		var lastSeen int64
		if err := rows.Scan(&p.Name, &online, &lastSeen); err != nil {
			return nil, &UnavailableError{Op: "peers", Err: err}
		}
		p.Online = online != 0
		p.LastSeen = fromMillis(lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// SweepTerminal deletes terminal tasks older than the retention window.
func (s *SQLite) SweepTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := toMillis(time.Now().UTC().Add(-retention))
	res, err := s.sql.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled), cutoff)
	if err != nil {
		return 0, &UnavailableError{Op: "sweep", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &UnavailableError{Op: "sweep", Err: err}
	}
	return int(affected), nil
}

// Watch emits change events for the owner's tasks, starting strictly after
// cursor. It polls at PollInterval and additionally wakes on database file
// changes when file notifications are available, so same-host delegation is
// near-immediate.
func (s *SQLite) Watch(ctx context.Context, owner string, cursor uint64) (<-chan Event, error) {
	ch := make(chan Event, 16)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(s.path)); werr != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		s.log.Warnf("file notifications unavailable, polling only: %v", err)
		watcher = nil
	}

	go func() {
		defer close(ch)
		if watcher != nil {
			defer func() { _ = watcher.Close() }()
		}

		ticker := time.NewTicker(s.PollInterval)
		defer ticker.Stop()

		var fsEvents chan fsnotify.Event
		if watcher != nil {
			fsEvents = watcher.Events
		}

		for {
			next, err := s.emitChanges(ctx, ch, owner, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Errorf("watch poll: %v", err)
			} else {
				cursor = next
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case ev, ok := <-fsEvents:
				if !ok {
					fsEvents = nil
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
			}
		}
	}()

	return ch, nil
}

// emitChanges sends all events past the cursor and returns the new cursor.
func (s *SQLite) emitChanges(ctx context.Context, ch chan<- Event, owner string, cursor uint64) (uint64, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE version > ? AND owner = ?
		ORDER BY version ASC`,
		cursor, owner)
	if err != nil {
		return cursor, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		t, version, err := scanTask(rows)
		if err != nil {
			return cursor, err
		}
		select {
		case ch <- Event{Task: t, Version: version}:
			cursor = version
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
	}
	return cursor, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, uint64, error) {
	var (
		t         task.Task
		payload   string
		status    string
		result    sql.NullString
		notBefore int64
		createdAt int64
		updatedAt int64
		version   uint64
	)
	err := row.Scan(&t.ID, &t.Type, &payload, &t.Owner, &status, &t.Attempt,
		&result, &notBefore, &createdAt, &updatedAt, &version)
	if err != nil {
		return nil, 0, err
	}

	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, 0, fmt.Errorf("decode payload for %s: %w", t.ID, err)
	}
	if result.Valid {
		t.Result = &task.Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, 0, fmt.Errorf("decode result for %s: %w", t.ID, err)
		}
	}

	t.Status = task.Status(status)
	t.NotBefore = fromMillis(notBefore)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, version, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// toMillis converts a time to unix milliseconds; the zero time maps to 0 so
// last-writer-wins comparisons stay integer-only.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// migration represents a single schema change.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema: tasks, peers, mesh_seq",
		SQL:         migration001SQL,
	},
}

const migration001SQL = `
CREATE TABLE tasks (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    owner       TEXT NOT NULL,
    status      TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    result      TEXT,
    not_before  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    version     INTEGER NOT NULL
);

CREATE INDEX idx_tasks_owner_status ON tasks(owner, status);
CREATE INDEX idx_tasks_version ON tasks(version);
CREATE INDEX idx_tasks_updated ON tasks(updated_at DESC);

CREATE TABLE peers (
    name       TEXT PRIMARY KEY,
    online     INTEGER NOT NULL DEFAULT 0,
    last_seen  INTEGER NOT NULL
);

CREATE TABLE mesh_seq (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);

INSERT INTO mesh_seq (id, version) VALUES (1, 0);
`

// migrate runs all pending migrations inside transactions.
func migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var currentVersion int
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		currentVersion = m.Version
	}

	return nil
}

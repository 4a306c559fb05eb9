// Package sqlite provides the embedded persistence backend for the
// coordinator: a token store and a context store sharing one SQLite database
// per deployment, with rows scoped by run ID. The fan-in race-safety
// primitives map directly onto SQLite constraints: insert-if-absent is an
// INSERT with ON CONFLICT DO NOTHING on the (run, fan-in path) key, and
// conditional activation is an UPDATE guarded on the waiting status.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the coordinator database at path and runs the
// migrations. Use ":memory:" for throwaway databases in tests.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent runs.
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migration is one named, idempotent schema step. Steps run in order inside a
// single transaction on every open.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{"runs_table", `
		CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'running',
			updated_at TIMESTAMP
		)`},
	{"tokens_table", `
		CREATE TABLE IF NOT EXISTS tokens (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL,
			node_id          TEXT NOT NULL,
			status           TEXT NOT NULL,
			parent_token_id  TEXT NOT NULL DEFAULT '',
			path_id          TEXT NOT NULL,
			sibling_group    TEXT NOT NULL DEFAULT '',
			branch_index     INTEGER NOT NULL DEFAULT 0,
			branch_total     INTEGER NOT NULL DEFAULT 1,
			awaiting_merge   INTEGER NOT NULL DEFAULT 0,
			iteration_counts TEXT NOT NULL DEFAULT '{}',
			attempts         INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL,
			arrived_at       TIMESTAMP
		)`},
	{"tokens_run_status_index", `
		CREATE INDEX IF NOT EXISTS idx_tokens_run_status ON tokens(run_id, status)`},
	{"tokens_run_group_index", `
		CREATE INDEX IF NOT EXISTS idx_tokens_run_group ON tokens(run_id, sibling_group)`},
	{"fan_ins_table", `
		CREATE TABLE IF NOT EXISTS fan_ins (
			id               TEXT NOT NULL,
			run_id           TEXT NOT NULL,
			node_id          TEXT NOT NULL,
			fan_in_path      TEXT NOT NULL,
			status           TEXT NOT NULL,
			transition_id    TEXT NOT NULL,
			first_arrival_at TIMESTAMP NOT NULL,
			activated_at     TIMESTAMP,
			activated_by     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, fan_in_path)
		)`},
	{"subworkflows_table", `
		CREATE TABLE IF NOT EXISTS subworkflows (
			id                 TEXT PRIMARY KEY,
			run_id             TEXT NOT NULL,
			parent_token_id    TEXT NOT NULL,
			subworkflow_run_id TEXT NOT NULL UNIQUE,
			status             TEXT NOT NULL,
			timeout_ms         INTEGER NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL
		)`},
	{"context_sections_table", `
		CREATE TABLE IF NOT EXISTS context_sections (
			run_id  TEXT NOT NULL,
			section TEXT NOT NULL,
			doc     TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (run_id, section)
		)`},
}

// Migrate applies the schema. Every step is idempotent so Migrate is safe to
// run on every open.
func Migrate(db *sqlx.DB) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()
	for _, m := range migrations {
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

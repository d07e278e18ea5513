// Package audit appends a diagnostic record of every command the manager
// processes. It is explicitly not consulted to reconstruct the handle map
// on startup — the worker always begins with an empty map — so it carries
// no authority over VM state, only a trail for operators after the fact.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createCommandsTable = `
CREATE TABLE IF NOT EXISTS commands (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    kind       TEXT NOT NULL,
    vm_id      TEXT,
    ok         INTEGER NOT NULL,
    error      TEXT,
    recorded_at DATETIME NOT NULL
)`

// Log is an append-only audit trail backed by SQLite.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createCommandsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create commands table: %w", err)
	}

	return &Log{db: db}, nil
}

// Record appends one entry. Kind is a short label ("create", "delete",
// "list", "status"); vmID may be empty for commands with no single VM
// subject. Record never returns an error the caller must act on beyond
// logging it — a failed audit write must never block or fail the command
// it is describing.
func (l *Log) Record(ctx context.Context, kind string, vmID string, cmdErr error) error {
	var errText sql.NullString
	if cmdErr != nil {
		errText = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO commands (kind, vm_id, ok, error, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		kind, vmID, cmdErr == nil, errText, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

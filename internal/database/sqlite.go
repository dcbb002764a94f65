// Package database opens the stores fieldsync talks to: the local SQLite
// file that backs the durable queue and, optionally, a Postgres pool for the
// direct record backend.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the queue schema this binary reads and writes. It is kept
// in PRAGMA user_version so a newer schema on disk can be detected.
const SchemaVersion = 1

const queueSchemaV1 = `
CREATE TABLE IF NOT EXISTS pending_luminarias (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	colonia_id INTEGER,
	pole_number TEXT NOT NULL,
	watts INTEGER NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	photo_full BLOB NOT NULL,
	photo_full_type TEXT NOT NULL,
	photo_watts BLOB NOT NULL,
	photo_watts_type TEXT NOT NULL,
	photo_photocell BLOB NOT NULL,
	photo_photocell_type TEXT NOT NULL,
	photocell_is_new INTEGER NOT NULL DEFAULT 0,
	captured_at INTEGER NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_luminarias_synced ON pending_luminarias(synced);
CREATE INDEX IF NOT EXISTS idx_pending_luminarias_captured_at ON pending_luminarias(captured_at);`

// OpenQueue opens (creating if needed) the SQLite queue file at path and
// brings its schema up to SchemaVersion.
func OpenQueue(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// One connection keeps pragmas in effect and serialises writers, which
	// is what SQLite wants anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := EnsureQueueSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureQueueSchema creates the queue table on a fresh file and refuses to
// run against a schema newer than this binary understands.
func EnsureQueueSchema(ctx context.Context, db *sql.DB) error {
	version, err := UserVersion(ctx, db)
	if err != nil {
		return err
	}
	switch {
	case version == SchemaVersion:
		return nil
	case version > SchemaVersion:
		return fmt.Errorf("queue schema version %d is newer than supported version %d", version, SchemaVersion)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, queueSchemaV1); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", SchemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// UserVersion reads PRAGMA user_version.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

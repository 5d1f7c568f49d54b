// Package db provides the embedded SQLite database backing the sync engine.
//
// Every workspace session owns one database file holding the sync engine's
// durable state: the pending-operation outbox, the per-workspace cursor,
// deletion tombstones, content-addressed file metadata, and the file
// transfer queue. The host application's own tables live in the same file
// so that captures and remote applies share transactions with user data.
//
// The database runs in embedded mode with WAL for concurrent reads.
//
// Architecture:
//   - Database file: <data-dir>/driftsync.db
//   - WAL mode: concurrent readers during writes
//   - Schema: device_info, pending_ops, sync_cursor, tombstones,
//     file_meta, file_transfers, records
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection for one workspace database.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the sync tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection. The managers in
// internal/outbox, internal/cursor, internal/tombstone, internal/files and
// internal/transfer run their queries through this handle.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the sync engine schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- One row per workspace: device identity and the per-device clock.
	CREATE TABLE IF NOT EXISTS device_info (
		workspace_id TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		clock        INTEGER NOT NULL DEFAULT 0,
		last_hlc     TEXT NOT NULL DEFAULT ''
	);

	-- Outbox: local writes awaiting server acknowledgment.
	CREATE TABLE IF NOT EXISTS pending_ops (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name      TEXT NOT NULL,
		pk              TEXT NOT NULL,
		op              TEXT NOT NULL CHECK (op IN ('put','delete')),
		payload         TEXT,
		device_id       TEXT NOT NULL,
		op_id           TEXT NOT NULL UNIQUE,
		hlc             TEXT NOT NULL,
		clock           INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'pending'
		                CHECK (status IN ('pending','syncing','failed')),
		next_attempt_at TEXT NOT NULL DEFAULT '',
		last_error      TEXT NOT NULL DEFAULT '',
		queued_at       TEXT NOT NULL
	);

	-- Sync progress: one monotonically increasing cursor per workspace.
	CREATE TABLE IF NOT EXISTS sync_cursor (
		workspace_id TEXT PRIMARY KEY,
		cursor       INTEGER NOT NULL DEFAULT 0,
		last_sync_at TEXT
	);

	-- Deletion markers preventing resurrection of deleted records.
	CREATE TABLE IF NOT EXISTS tombstones (
		id         TEXT PRIMARY KEY,  -- table_name:pk
		table_name TEXT NOT NULL,
		pk         TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		synced_at  TEXT
	);

	-- Content-addressed attachment metadata.
	CREATE TABLE IF NOT EXISTS file_meta (
		hash                TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		mime_type           TEXT NOT NULL DEFAULT '',
		kind                TEXT NOT NULL DEFAULT '',
		size_bytes          INTEGER NOT NULL DEFAULT 0,
		storage_id          TEXT,
		storage_provider_id TEXT,
		ref_count           INTEGER NOT NULL DEFAULT 0,
		deleted             INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);

	-- Upload/download pipeline state.
	CREATE TABLE IF NOT EXISTS file_transfers (
		id              TEXT PRIMARY KEY,
		hash            TEXT NOT NULL,
		workspace_id    TEXT NOT NULL,
		direction       TEXT NOT NULL CHECK (direction IN ('upload','download')),
		name            TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		kind            TEXT NOT NULL DEFAULT '',
		local_path      TEXT NOT NULL DEFAULT '',
		bytes_total     INTEGER NOT NULL DEFAULT 0,
		bytes_done      INTEGER NOT NULL DEFAULT 0,
		state           TEXT NOT NULL DEFAULT 'queued'
		                CHECK (state IN ('queued','running','paused','failed','done')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);

	-- Local mirror of synced records, for hosts without their own tables.
	CREATE TABLE IF NOT EXISTS records (
		table_name TEXT NOT NULL,
		pk         TEXT NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, pk)
	);

	-- Indexes for the managers' hot queries
	CREATE INDEX IF NOT EXISTS idx_pending_key ON pending_ops(table_name, pk);
	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_ops(status);
	CREATE INDEX IF NOT EXISTS idx_pending_flush
	    ON pending_ops(status, next_attempt_at, hlc);
	CREATE INDEX IF NOT EXISTS idx_tombstones_key ON tombstones(table_name, pk);
	CREATE INDEX IF NOT EXISTS idx_file_meta_gc ON file_meta(deleted, ref_count);
	CREATE INDEX IF NOT EXISTS idx_transfers_state ON file_transfers(state);
	CREATE INDEX IF NOT EXISTS idx_transfers_hash ON file_transfers(hash);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// DeviceInfo is the persisted device identity and clock state.
type DeviceInfo struct {
	WorkspaceID string
	DeviceID    string
	Clock       int64
	LastHLC     string
}

// EnsureDevice loads the device row for a workspace, creating it with the
// supplied device ID when the workspace has never been seen before.
func (db *DB) EnsureDevice(ctx context.Context, workspaceID, newDeviceID string) (*DeviceInfo, error) {
	info := &DeviceInfo{WorkspaceID: workspaceID}
	err := db.conn.QueryRowContext(ctx,
		`SELECT device_id, clock, last_hlc FROM device_info WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&info.DeviceID, &info.Clock, &info.LastHLC)
	if err == nil {
		return info, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load device info: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO device_info (workspace_id, device_id, clock, last_hlc) VALUES (?, ?, 0, '')`,
		workspaceID, newDeviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device info: %w", err)
	}

	info.DeviceID = newDeviceID
	return info, nil
}

// SaveClock persists the per-device clock state after a capture.
func (db *DB) SaveClock(ctx context.Context, workspaceID string, clock int64, lastHLC string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE device_info SET clock = ?, last_hlc = ? WHERE workspace_id = ?`,
		clock, lastHLC, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save clock: %w", err)
	}
	return nil
}

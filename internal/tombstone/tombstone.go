// Package tombstone records deletions and garbage-collects them safely.
//
// A tombstone is written atomically with a local delete and blocks every
// incoming change for that key while it is live, so a late-arriving stale
// put cannot resurrect a deleted record. A tombstone becomes eligible for
// garbage collection only after the delete has been acknowledged by the
// server (synced_at set) AND both timestamps are older than the retention
// window. A tombstone whose delete never synced is kept forever.
package tombstone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftworks/driftsync/internal/db"
)

// DefaultRetention is how long a tombstone stays authoritative after both
// deletion and sync.
const DefaultRetention = 30 * 24 * time.Hour

// Tombstone marks a deleted record.
type Tombstone struct {
	ID        string // table_name:pk
	TableName string
	PK        string
	DeletedAt time.Time
	SyncedAt  *time.Time
}

// Key builds the tombstone ID for a record.
func Key(tableName, pk string) string {
	return tableName + ":" + pk
}

// GCEligible reports whether a tombstone may be removed: both deletedAt and
// syncedAt must be set and older than now - retention. A missing syncedAt
// blocks collection indefinitely, guaranteeing the delete propagated before
// the marker disappears.
func GCEligible(ts Tombstone, now time.Time, retention time.Duration) bool {
	if ts.SyncedAt == nil {
		return false
	}
	cutoff := now.Add(-retention)
	return ts.DeletedAt.Before(cutoff) && ts.SyncedAt.Before(cutoff)
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Manager owns the tombstones table for one workspace database.
type Manager struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// New creates a tombstone manager with the default 30-day retention.
func New(database *db.DB) *Manager {
	return &Manager{
		db:        database.RawDB(),
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// SetRetention overrides the GC retention window.
func (m *Manager) SetRetention(retention time.Duration) {
	m.retention = retention
}

// RecordDelete writes a tombstone for a deleted record.
func (m *Manager) RecordDelete(ctx context.Context, tableName, pk string) error {
	return m.RecordDeleteTx(ctx, m.db, tableName, pk)
}

// RecordDeleteTx is RecordDelete on the caller's transaction so the marker
// commits atomically with the delete it records. Re-deleting a key refreshes
// deleted_at and clears synced_at: the new delete has not propagated yet.
func (m *Manager) RecordDeleteTx(ctx context.Context, execer Execer, tableName, pk string) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO tombstones (id, table_name, pk, deleted_at, synced_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			synced_at = NULL`,
		Key(tableName, pk), tableName, pk, m.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record tombstone for %s: %w", Key(tableName, pk), err)
	}
	return nil
}

// RecordRemoteDelete writes a tombstone for a delete that arrived from the
// server. It is marked synced immediately: the server already knows.
func (m *Manager) RecordRemoteDelete(ctx context.Context, execer Execer, tableName, pk string) error {
	now := m.now().UTC().Format(time.RFC3339Nano)
	_, err := execer.ExecContext(ctx, `
		INSERT INTO tombstones (id, table_name, pk, deleted_at, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			synced_at = excluded.synced_at`,
		Key(tableName, pk), tableName, pk, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record remote tombstone for %s: %w", Key(tableName, pk), err)
	}
	return nil
}

// MarkSynced records that the delete for this key was acknowledged by the
// server, starting the GC clock.
func (m *Manager) MarkSynced(ctx context.Context, tableName, pk string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE tombstones SET synced_at = ? WHERE id = ? AND synced_at IS NULL`,
		m.now().UTC().Format(time.RFC3339Nano), Key(tableName, pk),
	)
	if err != nil {
		return fmt.Errorf("failed to mark tombstone synced for %s: %w", Key(tableName, pk), err)
	}
	return nil
}

// Get loads the tombstone for a key, or nil when none exists.
func (m *Manager) Get(ctx context.Context, tableName, pk string) (*Tombstone, error) {
	var ts Tombstone
	var deletedAt string
	var syncedAt sql.NullString

	err := m.db.QueryRowContext(ctx,
		`SELECT id, table_name, pk, deleted_at, synced_at FROM tombstones WHERE id = ?`,
		Key(tableName, pk),
	).Scan(&ts.ID, &ts.TableName, &ts.PK, &deletedAt, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstone: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
		ts.DeletedAt = t
	}
	if syncedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, syncedAt.String); err == nil {
			ts.SyncedAt = &t
		}
	}
	return &ts, nil
}

// ShouldApply reports whether an incoming change for a key may be applied.
// Any live (non-GC-eligible) tombstone blocks the change regardless of its
// stamp: during the retention window deletes are authoritative over
// late-arriving puts for the same key.
func (m *Manager) ShouldApply(ctx context.Context, tableName, pk string) (bool, error) {
	ts, err := m.Get(ctx, tableName, pk)
	if err != nil {
		return false, err
	}
	if ts == nil {
		return true, nil
	}
	return GCEligible(*ts, m.now(), m.retention), nil
}

// Sweep removes GC-eligible tombstones and returns how many were collected.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.retention).UTC().Format(time.RFC3339Nano)
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM tombstones
		WHERE synced_at IS NOT NULL
		  AND deleted_at < ?
		  AND synced_at < ?`,
		cutoff, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Package cursor tracks per-workspace sync progress.
//
// The cursor is the single monotonically increasing server version the
// workspace has durably applied. Zero means the workspace has never synced
// and needs a bootstrap (full pull). The cursor only advances after the
// changes for that server version are applied locally - never speculatively
// - and never regresses.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftworks/driftsync/internal/db"
)

// Manager owns the cursor for one workspace. No other component writes
// sync_cursor rows.
type Manager struct {
	db          *sql.DB
	workspaceID string
	now         func() time.Time
}

// New creates a cursor manager backed by the workspace database.
func New(database *db.DB, workspaceID string) *Manager {
	return &Manager{
		db:          database.RawDB(),
		workspaceID: workspaceID,
		now:         time.Now,
	}
}

// Get returns the current cursor, 0 if the workspace has never synced.
func (m *Manager) Get(ctx context.Context) (int64, error) {
	var cur int64
	err := m.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursor WHERE workspace_id = ?`, m.workspaceID,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cur, nil
}

// Set advances the cursor to serverVersion and records the sync time.
// A value at or below the current cursor is ignored: the cursor is
// monotonically non-decreasing.
func (m *Manager) Set(ctx context.Context, serverVersion int64) error {
	return m.SetTx(ctx, m.db, serverVersion)
}

// SetTx is Set running on the caller's transaction, so the cursor advance
// commits atomically with the applied changes it accounts for.
func (m *Manager) SetTx(ctx context.Context, execer Execer, serverVersion int64) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO sync_cursor (workspace_id, cursor, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			cursor = MAX(cursor, excluded.cursor),
			last_sync_at = excluded.last_sync_at`,
		m.workspaceID, serverVersion, m.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NeedsBootstrap reports whether the workspace has never completed a sync.
// The caller must perform a full pull before trusting the incremental loop.
func (m *Manager) NeedsBootstrap(ctx context.Context) (bool, error) {
	cur, err := m.Get(ctx)
	if err != nil {
		return false, err
	}
	return cur == 0, nil
}

// IsStale reports whether the last successful sync is older than maxAge.
// A stale workspace should be treated like a bootstrap: the server's
// retention window for incremental changes may have expired.
func (m *Manager) IsStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	var lastSyncAt sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_cursor WHERE workspace_id = ?`, m.workspaceID,
	).Scan(&lastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if !lastSyncAt.Valid || lastSyncAt.String == "" {
		return true, nil
	}

	t, err := time.Parse(time.RFC3339Nano, lastSyncAt.String)
	if err != nil {
		return true, nil
	}
	return m.now().Sub(t) > maxAge, nil
}

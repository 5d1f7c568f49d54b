// Package outbox owns the pending-operation queue: local writes captured by
// the sync engine that have not yet been acknowledged by the server.
//
// The queue lives in the workspace database so captured writes survive
// restarts. Before each flush, queued operations are coalesced per
// (table, pk) - N edits to the same record produce one network write.
// Failed pushes retry with exponential backoff; an operation that exhausts
// its attempts is parked as failed and surfaced rather than retried
// automatically.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/protocol"
	"github.com/driftworks/driftsync/internal/stamp"
)

// Pending operation statuses.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
)

// ErrQueueFull is returned by Enqueue when the queue has reached its
// configured capacity. The operation is NOT silently dropped; the caller
// decides whether to block, shed load, or surface the condition.
var ErrQueueFull = errors.New("outbox: queue full")

// backoffSchedule is the per-op retry delay indexed by (attempts - 1).
// The queue stays capped at the last entry.
var backoffSchedule = []time.Duration{
	250 * time.Millisecond,
	1000 * time.Millisecond,
	3000 * time.Millisecond,
	5000 * time.Millisecond,
}

// Backoff returns the retry delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempts-1]
}

// PendingOp is one captured local write awaiting acknowledgment.
type PendingOp struct {
	ID        int64
	TableName string
	PK        string
	Op        string // protocol.OpPut or protocol.OpDelete
	Payload   json.RawMessage
	Stamp     stamp.Stamp
	Attempts  int
	Status    string
	LastError string
	QueuedAt  time.Time
}

// QueueFullEvent is the payload of hooks.EventQueueFull.
type QueueFullEvent struct {
	WorkspaceID string
	Size        int
}

// Pusher is the abstract push endpoint. It accepts a batch and returns
// per-op acknowledgment or error. internal/transport implements it over HTTP.
type Pusher interface {
	Push(ctx context.Context, req protocol.PushRequest) ([]protocol.PushResult, error)
}

// RateLimitedError is returned by a Pusher when the server asked the client
// to back off. The whole batch is rescheduled after RetryAfter without
// burning attempt counters.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Config holds tunables for the outbox.
type Config struct {
	// BatchSize is the maximum number of ops per push.
	BatchSize int

	// MaxQueue is the queue capacity; Enqueue beyond it fails with
	// ErrQueueFull after emitting hooks.EventQueueFull.
	MaxQueue int

	// MaxAttempts is the number of failed pushes before an op is parked
	// as failed.
	MaxAttempts int

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   100,
		MaxQueue:    10000,
		MaxAttempts: 5,
		Logger:      log.New(os.Stderr, "[outbox] ", log.LstdFlags),
	}
}

// Manager owns the pending-op queue for one workspace. No other component
// mutates pending_ops directly.
type Manager struct {
	db          *sql.DB
	workspaceID string
	deviceID    string
	bus         *hooks.Bus
	config      *Config
	now         func() time.Time

	// At most one outstanding push: a flush requested while one is in
	// progress is a no-op.
	flushing atomic.Bool

	// OnAcked, when set, is invoked for every server-acknowledged op
	// before it is removed from the queue. The engine uses it to mark
	// delete tombstones as synced.
	OnAcked func(op PendingOp)
}

// New creates an outbox manager backed by the workspace database.
func New(database *db.DB, workspaceID, deviceID string, bus *hooks.Bus, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Manager{
		db:          database.RawDB(),
		workspaceID: workspaceID,
		deviceID:    deviceID,
		bus:         bus,
		config:      config,
		now:         time.Now,
	}
}

// Enqueue appends a captured write to the queue.
//
// Returns ErrQueueFull when the queue is at capacity; the condition is also
// announced on the bus so the host application can react.
func (m *Manager) Enqueue(ctx context.Context, op PendingOp) error {
	count, err := m.Count(ctx)
	if err != nil {
		return err
	}
	if count >= m.config.MaxQueue {
		m.bus.Emit(hooks.EventQueueFull, QueueFullEvent{
			WorkspaceID: m.workspaceID,
			Size:        count,
		})
		return ErrQueueFull
	}

	payload := sql.NullString{}
	if op.Payload != nil {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO pending_ops
			(table_name, pk, op, payload, device_id, op_id, hlc, clock, status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.TableName, op.PK, op.Op, payload,
		op.Stamp.DeviceID, op.Stamp.OpID, op.Stamp.HLC, op.Stamp.Clock,
		StatusPending, m.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue op: %w", err)
	}
	return nil
}

// Recover returns ops stranded in the syncing state to the pending queue.
// A crash between markSyncing and the push acknowledgment leaves rows in
// syncing, which no flush selects; the engine calls Recover once on startup
// so those writes re-enter the flush cycle. The server deduplicates by opId,
// so re-pushing an op that was acked just before the crash is harmless.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE pending_ops SET status = ?, next_attempt_at = ''
		WHERE status = ?`,
		StatusPending, StatusSyncing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight ops: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.config.Logger.Printf("Recovered %d ops stranded mid-push", n)
	}
	return int(n), nil
}

// Count returns the number of queued (non-failed) operations.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE status != ?`, StatusFailed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return count, nil
}

// PendingFor returns the highest-clock queued op for a record, or nil if
// the record has no queued local write. The engine uses this as the local
// version when resolving conflicts against inbound changes.
func (m *Manager) PendingFor(ctx context.Context, tableName, pk string) (*PendingOp, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, table_name, pk, op, payload, device_id, op_id, hlc, clock,
		       attempts, status, last_error, queued_at
		FROM pending_ops
		WHERE table_name = ? AND pk = ? AND status != ?
		ORDER BY clock DESC
		LIMIT 1`,
		tableName, pk, StatusFailed,
	)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// DropKey removes every queued op for a record. Used when a remote version
// wins a conflict and the local edit is superseded.
func (m *Manager) DropKey(ctx context.Context, tableName, pk string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE table_name = ? AND pk = ?`, tableName, pk)
	if err != nil {
		return fmt.Errorf("failed to drop pending ops for %s:%s: %w", tableName, pk, err)
	}
	return nil
}

// Failed returns operations that exhausted their attempts and require
// manual intervention.
func (m *Manager) Failed(ctx context.Context) ([]PendingOp, error) {
	return m.list(ctx, `WHERE status = ?`, StatusFailed)
}

// Pending returns all queued operations ordered by HLC.
func (m *Manager) Pending(ctx context.Context) ([]PendingOp, error) {
	return m.list(ctx, `WHERE status != ?`, StatusFailed)
}

func (m *Manager) list(ctx context.Context, where string, args ...any) ([]PendingOp, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, table_name, pk, op, payload, device_id, op_id, hlc, clock,
		       attempts, status, last_error, queued_at
		FROM pending_ops `+where+` ORDER BY hlc ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ops: %w", err)
	}
	defer rows.Close()

	var ops []PendingOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}
	return ops, nil
}

// RetryFailed moves failed ops back to pending with a reset attempt counter.
// This is the explicit caller-initiated retry path.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE pending_ops
		SET status = ?, attempts = 0, next_attempt_at = '', last_error = ''
		WHERE status = ?`,
		StatusPending, StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed ops: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Coalesce collapses queued ops per (table, pk), keeping only the op with
// the highest clock. The device clock is monotonic, so superseded
// intermediate ops can be discarded safely. Ops already in flight or parked
// as failed are left alone.
func (m *Manager) Coalesce(ctx context.Context) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM pending_ops
		WHERE status = ?
		  AND EXISTS (
			SELECT 1 FROM pending_ops newer
			WHERE newer.table_name = pending_ops.table_name
			  AND newer.pk = pending_ops.pk
			  AND newer.status = ?
			  AND newer.clock > pending_ops.clock
		  )`,
		StatusPending, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to coalesce pending ops: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Flush pushes one batch of due operations.
//
// At most one flush runs at a time; a concurrent call returns immediately
// with acked == 0. Only server-acknowledged ops are removed from the queue;
// failed ops are rescheduled with backoff, and ops whose attempts reach
// MaxAttempts transition to failed.
func (m *Manager) Flush(ctx context.Context, pusher Pusher) (acked int, err error) {
	if !m.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer m.flushing.Store(false)

	if n, err := m.Coalesce(ctx); err != nil {
		return 0, err
	} else if n > 0 {
		m.config.Logger.Printf("Coalesced %d superseded ops", n)
	}

	batch, err := m.dueBatch(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := m.markSyncing(ctx, batch); err != nil {
		return 0, err
	}

	req := protocol.PushRequest{
		WorkspaceID: m.workspaceID,
		DeviceID:    m.deviceID,
		Ops:         make([]protocol.PushOp, 0, len(batch)),
	}
	for _, op := range batch {
		req.Ops = append(req.Ops, protocol.PushOp{
			TableName: op.TableName,
			PK:        op.PK,
			Op:        op.Op,
			Payload:   op.Payload,
			Stamp:     op.Stamp,
		})
	}

	results, err := pusher.Push(ctx, req)
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			// Server pacing, not op failure: reschedule without
			// burning attempts.
			m.config.Logger.Printf("Push rate limited, retry after %s", rl.RetryAfter)
			return 0, m.reschedule(ctx, batch, rl.RetryAfter, false, "rate limited")
		}
		m.config.Logger.Printf("Push failed: %v", err)
		return 0, m.recordFailure(ctx, batch, err.Error())
	}

	byOpID := make(map[string]protocol.PushResult, len(results))
	for _, r := range results {
		byOpID[r.OpID] = r
	}

	var failed []PendingOp
	for _, op := range batch {
		r, ok := byOpID[op.Stamp.OpID]
		if !ok || !r.OK {
			reason := "no acknowledgment"
			if ok {
				reason = r.Error
			}
			op.LastError = reason
			failed = append(failed, op)
			continue
		}
		if m.OnAcked != nil {
			m.OnAcked(op)
		}
		if _, err := m.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, op.ID); err != nil {
			return acked, fmt.Errorf("failed to remove acked op: %w", err)
		}
		acked++
	}

	// Each rejected op keeps its own server error.
	for _, op := range failed {
		if err := m.recordFailure(ctx, []PendingOp{op}, op.LastError); err != nil {
			return acked, err
		}
	}
	return acked, nil
}

// dueBatch selects pending ops whose backoff delay has elapsed, oldest HLC
// first for predictable ordering.
func (m *Manager) dueBatch(ctx context.Context) ([]PendingOp, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, table_name, pk, op, payload, device_id, op_id, hlc, clock,
		       attempts, status, last_error, queued_at
		FROM pending_ops
		WHERE status = ? AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY hlc ASC
		LIMIT ?`,
		StatusPending, m.now().UTC().Format(time.RFC3339Nano), m.config.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select due ops: %w", err)
	}
	defer rows.Close()

	var batch []PendingOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due ops: %w", err)
	}
	return batch, nil
}

func (m *Manager) markSyncing(ctx context.Context, batch []PendingOp) error {
	for _, op := range batch {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE pending_ops SET status = ? WHERE id = ?`, StatusSyncing, op.ID); err != nil {
			return fmt.Errorf("failed to mark op syncing: %w", err)
		}
	}
	return nil
}

// recordFailure increments attempts and either reschedules with backoff or
// parks the op as failed once attempts reach MaxAttempts.
func (m *Manager) recordFailure(ctx context.Context, batch []PendingOp, reason string) error {
	for _, op := range batch {
		attempts := op.Attempts + 1
		if attempts >= m.config.MaxAttempts {
			if _, err := m.db.ExecContext(ctx, `
				UPDATE pending_ops
				SET status = ?, attempts = ?, last_error = ?
				WHERE id = ?`,
				StatusFailed, attempts, reason, op.ID); err != nil {
				return fmt.Errorf("failed to park op as failed: %w", err)
			}
			m.config.Logger.Printf("Op %s exhausted retries (%d attempts): %s",
				op.Stamp.OpID, attempts, reason)
			continue
		}
		next := m.now().Add(Backoff(attempts)).UTC().Format(time.RFC3339Nano)
		if _, err := m.db.ExecContext(ctx, `
			UPDATE pending_ops
			SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
			WHERE id = ?`,
			StatusPending, attempts, next, reason, op.ID); err != nil {
			return fmt.Errorf("failed to reschedule op: %w", err)
		}
	}
	return nil
}

// reschedule pushes the batch's next attempt out by delay. When countAttempt
// is false the attempt counter is left alone (rate limiting).
func (m *Manager) reschedule(ctx context.Context, batch []PendingOp, delay time.Duration, countAttempt bool, reason string) error {
	if countAttempt {
		return m.recordFailure(ctx, batch, reason)
	}
	next := m.now().Add(delay).UTC().Format(time.RFC3339Nano)
	for _, op := range batch {
		if _, err := m.db.ExecContext(ctx, `
			UPDATE pending_ops
			SET status = ?, next_attempt_at = ?, last_error = ?
			WHERE id = ?`,
			StatusPending, next, reason, op.ID); err != nil {
			return fmt.Errorf("failed to reschedule op: %w", err)
		}
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOp(row scanner) (*PendingOp, error) {
	var op PendingOp
	var payload sql.NullString
	var queuedAt string

	err := row.Scan(
		&op.ID, &op.TableName, &op.PK, &op.Op, &payload,
		&op.Stamp.DeviceID, &op.Stamp.OpID, &op.Stamp.HLC, &op.Stamp.Clock,
		&op.Attempts, &op.Status, &op.LastError, &queuedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending op: %w", err)
	}

	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
		op.QueuedAt = t
	}
	return &op, nil
}

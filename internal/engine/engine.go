// Package engine wires the sync components into one per-workspace engine.
//
// The engine owns the hook bridge (capturing local committed writes into
// the outbox), the pull loop (fetching, resolving and applying remote
// changes), and the schedulers that drive both. One engine instance exists
// per workspace session; the host application holds the handle - there is
// no global state.
//
// Capture and apply interact through a re-entrant suppression counter:
// while the engine applies inbound changes, writes performed by the engine
// itself must not be recaptured as new pending ops. The counter (not a
// boolean) lets a remote apply trigger derived local writes safely.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/driftsync/internal/cursor"
	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/outbox"
	"github.com/driftworks/driftsync/internal/protocol"
	"github.com/driftworks/driftsync/internal/resolve"
	"github.com/driftworks/driftsync/internal/stamp"
	"github.com/driftworks/driftsync/internal/tombstone"
)

// ErrMalformedPull is returned when the pull endpoint responds without a
// changes array. The cursor is left untouched.
var ErrMalformedPull = errors.New("engine: malformed pull response")

// Applier applies inbound changes to the host application's own tables.
// It runs on the pull transaction so a batch commits atomically with the
// cursor advance.
type Applier interface {
	ApplyPut(ctx context.Context, tx Execer, tableName, pk string, payload json.RawMessage) error
	ApplyDelete(ctx context.Context, tx Execer, tableName, pk string) error
}

// Execer is the transaction surface handed to the Applier.
type Execer = tombstone.Execer

// Puller is the abstract pull endpoint.
type Puller interface {
	Pull(ctx context.Context, req protocol.PullRequest) (*protocol.PullResponse, error)
}

// ConflictEvent is the payload of hooks.EventConflictDetected: both versions
// and the resolution, for observability. Emission never blocks resolution.
type ConflictEvent struct {
	TableName  string
	PK         string
	Local      resolve.Version
	Remote     resolve.Version
	Resolution resolve.Resolution
}

// Config holds engine tunables.
type Config struct {
	// FlushInterval drives the periodic outbox flush.
	FlushInterval time.Duration

	// PullInterval drives the periodic incremental pull.
	PullInterval time.Duration

	// PullLimit caps changes per pull page.
	PullLimit int

	// StaleAfter is the max age of the last successful sync before the
	// engine treats the workspace like a bootstrap (long-offline safety
	// net against expired server retention).
	StaleAfter time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval: 5 * time.Second,
		PullInterval:  15 * time.Second,
		PullLimit:     500,
		StaleAfter:    14 * 24 * time.Hour,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the per-workspace sync engine.
type Engine struct {
	workspaceID string
	database    *db.DB
	clock       *stamp.Clock
	outbox      *outbox.Manager
	cursor      *cursor.Manager
	tombstones  *tombstone.Manager
	bus         *hooks.Bus
	applier     Applier
	pusher      outbox.Pusher
	puller      Puller
	config      *Config

	// suppressDepth > 0 means writes are being applied by the engine
	// itself and must not be recaptured. Re-entrant by construction.
	suppressDepth atomic.Int32

	// One in-flight pull at a time; a pull requested while one runs is
	// a no-op. The outbox enforces the same for pushes.
	pulling atomic.Bool

	flushNow chan struct{}
	pullNow  chan struct{}
}

// New creates the engine for a workspace, restoring the device identity and
// clock from the workspace database.
func New(ctx context.Context, database *db.DB, workspaceID string, applier Applier,
	pusher outbox.Pusher, puller Puller, bus *hooks.Bus, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if bus == nil {
		bus = hooks.NewBus()
	}

	info, err := database.EnsureDevice(ctx, workspaceID, uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device identity: %w", err)
	}

	clock := stamp.NewClock(info.DeviceID)
	clock.Restore(info.Clock, info.LastHLC)

	e := &Engine{
		workspaceID: workspaceID,
		database:    database,
		clock:       clock,
		outbox:      outbox.New(database, workspaceID, info.DeviceID, bus, nil),
		cursor:      cursor.New(database, workspaceID),
		tombstones:  tombstone.New(database),
		bus:         bus,
		applier:     applier,
		pusher:      pusher,
		puller:      puller,
		config:      config,
		flushNow:    make(chan struct{}, 1),
		pullNow:     make(chan struct{}, 1),
	}

	// Ops left in flight by a crash re-enter the flush cycle.
	if _, err := e.outbox.Recover(ctx); err != nil {
		return nil, err
	}

	// Server acknowledgment of a delete starts that tombstone's GC clock.
	e.outbox.OnAcked = func(op outbox.PendingOp) {
		if op.Op != protocol.OpDelete {
			return
		}
		if err := e.tombstones.MarkSynced(context.Background(), op.TableName, op.PK); err != nil {
			e.config.Logger.Printf("Warning: failed to mark tombstone synced for %s:%s: %v",
				op.TableName, op.PK, err)
		}
	}

	return e, nil
}

// DeviceID returns this workspace's device identity.
func (e *Engine) DeviceID() string {
	return e.clock.DeviceID()
}

// Outbox exposes the outbox manager for status inspection.
func (e *Engine) Outbox() *outbox.Manager {
	return e.outbox
}

// Cursor exposes the cursor manager for status inspection.
func (e *Engine) Cursor() *cursor.Manager {
	return e.cursor
}

// Tombstones exposes the tombstone manager.
func (e *Engine) Tombstones() *tombstone.Manager {
	return e.tombstones
}

// WithSuppressed runs fn with capture suppressed: local writes performed by
// fn are not recaptured as pending ops. Nesting composes - the suppression
// is a counter, not a flag.
func (e *Engine) WithSuppressed(fn func() error) error {
	e.suppressDepth.Add(1)
	defer e.suppressDepth.Add(-1)
	return fn()
}

// Suppressed reports whether capture is currently suppressed.
func (e *Engine) Suppressed() bool {
	return e.suppressDepth.Load() > 0
}

// CapturePut records a local committed put. This is the hook-bridge entry
// point the host application calls after every local write to a synced
// table. While suppressed (the write came from the engine applying remote
// changes) the capture is a no-op.
func (e *Engine) CapturePut(ctx context.Context, tableName, pk string, payload json.RawMessage) error {
	return e.capture(ctx, tableName, pk, protocol.OpPut, payload)
}

// CaptureDelete records a local committed delete and writes its tombstone.
func (e *Engine) CaptureDelete(ctx context.Context, tableName, pk string) error {
	return e.capture(ctx, tableName, pk, protocol.OpDelete, nil)
}

func (e *Engine) capture(ctx context.Context, tableName, pk, op string, payload json.RawMessage) error {
	if e.Suppressed() {
		return nil
	}

	st := e.clock.Next()
	if err := e.database.SaveClock(ctx, e.workspaceID, st.Clock, st.HLC); err != nil {
		return err
	}

	if op == protocol.OpDelete {
		if err := e.tombstones.RecordDelete(ctx, tableName, pk); err != nil {
			return err
		}
	}

	return e.outbox.Enqueue(ctx, outbox.PendingOp{
		TableName: tableName,
		PK:        pk,
		Op:        op,
		Payload:   payload,
		Stamp:     st,
	})
}

// Flush pushes one batch of pending ops. Safe to call concurrently; at most
// one push is in flight.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	return e.outbox.Flush(ctx, e.pusher)
}

// Pull fetches one page of changes from the server, applies it, and
// advances the cursor. Returns the number of changes applied.
//
// At most one pull runs at a time; a concurrent call is a no-op. The page
// is applied in a single transaction together with the cursor advance: the
// cursor never moves ahead of durably applied changes.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	if !e.pulling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.pulling.Store(false)

	cur, err := e.cursor.Get(ctx)
	if err != nil {
		return 0, err
	}
	return e.pullFrom(ctx, cur)
}

// pullFrom fetches and applies one page starting at the given cursor value.
func (e *Engine) pullFrom(ctx context.Context, from int64) (int, error) {
	resp, err := e.puller.Pull(ctx, protocol.PullRequest{
		WorkspaceID: e.workspaceID,
		Cursor:      from,
		Limit:       e.config.PullLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("pull failed: %w", err)
	}
	if resp == nil || resp.Changes == nil {
		// Validation failure: logged, cursor untouched, not retried blindly.
		e.config.Logger.Printf("Rejected malformed pull response (missing changes)")
		return 0, ErrMalformedPull
	}
	if len(resp.Changes) == 0 {
		return 0, nil
	}
	return e.applyPage(ctx, resp)
}

// applyChange processes one inbound change inside the pull transaction.
// Returns whether the change was applied and whether the local pending op
// for its key was superseded.
func (e *Engine) applyChange(ctx context.Context, tx Execer, ch *protocol.SyncChange) (applied, dropPending bool, err error) {
	// Never re-apply our own writes echoed back by the server.
	if ch.Stamp.DeviceID == e.clock.DeviceID() {
		return false, false, nil
	}

	// Keep locally issued stamps ahead of everything we have seen.
	e.clock.Observe(ch.Stamp.HLC)

	// Deletes are authoritative during the tombstone retention window.
	ok, err := e.tombstones.ShouldApply(ctx, ch.TableName, ch.PK)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}

	// A queued local write for the same key is a conflict: resolve it
	// deterministically. Conflicts are never errors.
	pending, err := e.outbox.PendingFor(ctx, ch.TableName, ch.PK)
	if err != nil {
		return false, false, err
	}
	if pending != nil {
		local := resolve.Version{Stamp: pending.Stamp, Payload: pending.Payload}
		remote := resolve.Version{Stamp: ch.Stamp, Payload: ch.Payload}
		res := resolve.Resolve(local, remote)

		if resolve.Genuine(local, remote) {
			e.bus.Emit(hooks.EventConflictDetected, ConflictEvent{
				TableName:  ch.TableName,
				PK:         ch.PK,
				Local:      local,
				Remote:     remote,
				Resolution: res,
			})
		}

		if res.Winner == resolve.WinnerLocal {
			// The queued local write supersedes this change; it will
			// reach the server on the next flush.
			return false, false, nil
		}
		dropPending = true
	}

	applyErr := e.WithSuppressed(func() error {
		switch ch.Op {
		case protocol.OpDelete:
			if err := e.applier.ApplyDelete(ctx, tx, ch.TableName, ch.PK); err != nil {
				return err
			}
			return e.tombstones.RecordRemoteDelete(ctx, tx, ch.TableName, ch.PK)
		default:
			return e.applier.ApplyPut(ctx, tx, ch.TableName, ch.PK, ch.Payload)
		}
	})
	if applyErr != nil {
		return false, false, fmt.Errorf("failed to apply change %s:%s: %w", ch.TableName, ch.PK, applyErr)
	}
	return true, dropPending, nil
}

// Bootstrap performs a full pull from cursor 0, paging until the server has
// no more changes. Required before the incremental loop on a fresh
// workspace, and used as the safety net for stale ones.
func (e *Engine) Bootstrap(ctx context.Context) (int, error) {
	if !e.pulling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.pulling.Store(false)

	e.config.Logger.Printf("Bootstrapping workspace %s", e.workspaceID)

	total := 0
	var from int64
	for {
		resp, err := e.puller.Pull(ctx, protocol.PullRequest{
			WorkspaceID: e.workspaceID,
			Cursor:      from,
			Limit:       e.config.PullLimit,
		})
		if err != nil {
			return total, fmt.Errorf("bootstrap pull failed: %w", err)
		}
		if resp == nil || resp.Changes == nil {
			return total, ErrMalformedPull
		}
		if len(resp.Changes) == 0 {
			break
		}

		// Reuse the page-apply path by replaying through pullFrom's
		// transaction logic: apply this page directly.
		applied, err := e.applyPage(ctx, resp)
		if err != nil {
			return total, err
		}
		total += applied
		from = resp.NextCursor

		if len(resp.Changes) < e.config.PullLimit {
			break
		}
	}

	e.config.Logger.Printf("Bootstrap complete: %d changes applied", total)
	return total, nil
}

// applyPage applies one already-fetched page atomically with its cursor
// advance. Pending-op keys superseded by remote wins are dropped only after
// the transaction commits: the transaction holds the write lock and the
// outbox runs on its own connections.
func (e *Engine) applyPage(ctx context.Context, resp *protocol.PullResponse) (int, error) {
	var dropKeys [][2]string

	tx, err := e.database.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i := range resp.Changes {
		ch := &resp.Changes[i]
		ok, drop, err := e.applyChange(ctx, tx, ch)
		if err != nil {
			return 0, err
		}
		if drop {
			dropKeys = append(dropKeys, [2]string{ch.TableName, ch.PK})
		}
		if ok {
			applied++
		}
	}

	if err := e.cursor.SetTx(ctx, tx, resp.NextCursor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit apply transaction: %w", err)
	}

	for _, key := range dropKeys {
		if err := e.outbox.DropKey(ctx, key[0], key[1]); err != nil {
			e.config.Logger.Printf("Warning: failed to drop superseded pending op %s:%s: %v",
				key[0], key[1], err)
		}
	}
	return applied, nil
}

// FlushNow requests an immediate flush from the scheduler (realtime nudge).
func (e *Engine) FlushNow() {
	select {
	case e.flushNow <- struct{}{}:
	default:
	}
}

// PullNow requests an immediate pull from the scheduler (realtime nudge).
func (e *Engine) PullNow() {
	select {
	case e.pullNow <- struct{}{}:
	default:
	}
}

// Run drives the periodic flush and pull loops until ctx is cancelled.
//
// A fresh or stale workspace is bootstrapped first. Push and pull run
// concurrently with each other but each is internally serialized, so a
// nudge landing during a tick is harmless.
func (e *Engine) Run(ctx context.Context) error {
	needsBootstrap, err := e.cursor.NeedsBootstrap(ctx)
	if err != nil {
		return err
	}
	if !needsBootstrap {
		stale, err := e.cursor.IsStale(ctx, e.config.StaleAfter)
		if err != nil {
			return err
		}
		needsBootstrap = stale
	}
	if needsBootstrap {
		if _, err := e.Bootstrap(ctx); err != nil {
			e.config.Logger.Printf("Bootstrap failed (will retry on pull loop): %v", err)
		}
	}

	flushTicker := time.NewTicker(e.config.FlushInterval)
	defer flushTicker.Stop()
	pullTicker := time.NewTicker(e.config.PullInterval)
	defer pullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-flushTicker.C:
			e.flushAndLog(ctx)
		case <-e.flushNow:
			e.flushAndLog(ctx)

		case <-pullTicker.C:
			e.pullAndLog(ctx)
		case <-e.pullNow:
			e.pullAndLog(ctx)
		}
	}
}

// flushAndLog absorbs flush errors: one failing batch never kills the loop.
func (e *Engine) flushAndLog(ctx context.Context) {
	if acked, err := e.Flush(ctx); err != nil {
		e.config.Logger.Printf("Flush error: %v", err)
	} else if acked > 0 {
		e.config.Logger.Printf("Flushed %d ops", acked)
	}
}

func (e *Engine) pullAndLog(ctx context.Context) {
	if applied, err := e.Pull(ctx); err != nil {
		e.config.Logger.Printf("Pull error: %v", err)
	} else if applied > 0 {
		e.config.Logger.Printf("Applied %d remote changes", applied)
	}
}

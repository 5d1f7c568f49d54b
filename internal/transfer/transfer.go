// Package transfer moves attachment bytes through a bounded worker pool.
//
// Transfers are durable rows in the workspace database, so a crash mid
// upload resumes as a queued transfer on restart. The pool claims queued
// rows, mints a presigned URL per attempt, and streams bytes through a
// Transferrer. Failures back off exponentially; after max attempts the
// transfer parks in the failed state until the caller retries it.
//
// Transfers are content-addressed like the storage layer: a second request
// for a hash already queued or running joins the existing transfer instead
// of moving the same bytes twice.
package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/files"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/presign"
	"github.com/driftworks/driftsync/internal/protocol"
	"github.com/driftworks/driftsync/internal/transport"
)

// Transfer states.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StatePaused  = "paused"
	StateFailed  = "failed"
	StateDone    = "done"
)

// ErrVetoed is returned when an upload policy listener rejects the upload.
var ErrVetoed = errors.New("transfer: upload vetoed by policy")

// Backoff returns the delay after the given number of failed attempts.
// Base 1s, doubling per attempt, capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return d
}

// Transfer is one queued or completed byte movement.
type Transfer struct {
	ID          string
	Hash        string
	WorkspaceID string
	Direction   string // protocol.DirectionUpload or DirectionDownload
	Name        string
	MimeType    string
	Kind        string
	LocalPath   string
	BytesTotal  int64
	BytesDone   int64
	State       string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Progress returns completion in [0, 1]. Zero-byte transfers report 1 once
// done and 0 before.
func (t *Transfer) Progress() float64 {
	if t.BytesTotal <= 0 {
		if t.State == StateDone {
			return 1
		}
		return 0
	}
	p := float64(t.BytesDone) / float64(t.BytesTotal)
	if p > 1 {
		p = 1
	}
	return p
}

// UploadEvent is the payload of the upload before/after events.
type UploadEvent struct {
	Transfer  Transfer
	StorageID string // set on the after event
}

// PolicyCheck flows through the upload policy filter. Listeners flip Allow
// to false to veto the upload before any bytes move.
type PolicyCheck struct {
	Hash      string
	Name      string
	MimeType  string
	Kind      string
	SizeBytes int64
	Allow     bool
}

// MintFunc mints a presigned URL for one hash and direction. Wired to the
// presign service with the daemon's session.
type MintFunc func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error)

// Transferrer moves the bytes of one transfer through a presigned URL,
// reporting progress as it goes. It returns the storage object ID for
// uploads (empty for downloads).
type Transferrer interface {
	Transfer(ctx context.Context, t *Transfer, url *protocol.PresignResult, progress func(done int64)) (storageID string, err error)
}

// Config holds queue tunables.
type Config struct {
	// Concurrency is the worker pool size (default: 2).
	Concurrency int

	// MaxAttempts before a transfer parks as failed (default: 5).
	MaxAttempts int

	// PollInterval is how often idle workers re-check for due work; the
	// wake signal usually preempts it (default: 500ms).
	PollInterval time.Duration

	// Logger for transfer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  2,
		MaxAttempts:  5,
		PollInterval: 500 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[transfer] ", log.LstdFlags),
	}
}

// Queue owns the file_transfers table and the worker pool over it.
type Queue struct {
	db          *db.DB
	workspaceID string
	store       *files.Store
	bus         *hooks.Bus
	mint        MintFunc
	transferrer Transferrer
	config      *Config
	now         func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // transfer id -> in-flight cancel
}

// NewQueue creates the transfer queue for one workspace.
func NewQueue(database *db.DB, workspaceID string, store *files.Store, bus *hooks.Bus,
	mint MintFunc, transferrer Transferrer, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transfer] ", log.LstdFlags)
	}
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Queue{
		db:          database,
		workspaceID: workspaceID,
		store:       store,
		bus:         bus,
		mint:        mint,
		transferrer: transferrer,
		config:      config,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// UploadRequest describes one attachment to upload.
type UploadRequest struct {
	Hash      string // content address; required
	LocalPath string
	Name      string
	MimeType  string
	Kind      string
	SizeBytes int64
}

// EnqueueUpload queues an upload, or joins the live transfer already
// moving the same content. Policy listeners may veto it.
func (q *Queue) EnqueueUpload(ctx context.Context, req UploadRequest) (*Transfer, error) {
	hash, err := files.Normalize(req.Hash)
	if err != nil {
		return nil, err
	}

	check := PolicyCheck{
		Hash: hash, Name: req.Name, MimeType: req.MimeType,
		Kind: req.Kind, SizeBytes: req.SizeBytes, Allow: true,
	}
	if filtered, ok := q.bus.Filter(hooks.FilterUploadPolicy, check).(PolicyCheck); ok {
		check = filtered
	}
	if !check.Allow {
		return nil, ErrVetoed
	}

	t, created, err := q.enqueue(ctx, Transfer{
		Hash:       hash,
		Direction:  protocol.DirectionUpload,
		Name:       req.Name,
		MimeType:   req.MimeType,
		Kind:       req.Kind,
		LocalPath:  req.LocalPath,
		BytesTotal: req.SizeBytes,
	})
	if err != nil {
		return nil, err
	}
	if created {
		q.bus.Emit(hooks.EventUploadBefore, UploadEvent{Transfer: *t})
	}
	return t, nil
}

// EnqueueDownload queues a download of one content hash to a local path,
// or joins the live transfer already fetching it.
func (q *Queue) EnqueueDownload(ctx context.Context, hash, localPath string, sizeBytes int64) (*Transfer, error) {
	hash, err := files.Normalize(hash)
	if err != nil {
		return nil, err
	}
	t, _, err := q.enqueue(ctx, Transfer{
		Hash:       hash,
		Direction:  protocol.DirectionDownload,
		LocalPath:  localPath,
		BytesTotal: sizeBytes,
	})
	return t, err
}

// enqueue inserts a transfer row unless a live one for the same hash and
// direction exists; joining callers get that row back.
func (q *Queue) enqueue(ctx context.Context, t Transfer) (*Transfer, bool, error) {
	// Serialize the exists-check with the insert so concurrent enqueues
	// of the same content cannot both insert.
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.liveFor(ctx, t.Hash, t.Direction)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	t.ID = uuid.New().String()
	t.WorkspaceID = q.workspaceID
	t.State = StateQueued
	now := q.now().UTC().Format(time.RFC3339Nano)

	_, err = q.db.RawDB().ExecContext(ctx, `
		INSERT INTO file_transfers (id, hash, workspace_id, direction, name,
			mime_type, kind, local_path, bytes_total, bytes_done, state,
			attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, '', '', ?, ?)`,
		t.ID, t.Hash, t.WorkspaceID, t.Direction, t.Name,
		t.MimeType, t.Kind, t.LocalPath, t.BytesTotal, StateQueued, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue transfer: %w", err)
	}

	q.signal()
	got, err := q.Get(ctx, t.ID)
	return got, true, err
}

// liveFor finds a joinable transfer: same hash and direction, not yet in a
// terminal state.
func (q *Queue) liveFor(ctx context.Context, hash, direction string) (*Transfer, error) {
	row := q.db.RawDB().QueryRowContext(ctx, selectColumns+`
		FROM file_transfers
		WHERE hash = ? AND direction = ? AND state IN (?, ?, ?)
		ORDER BY created_at LIMIT 1`,
		hash, direction, StateQueued, StateRunning, StatePaused,
	)
	return scanTransfer(row)
}

// Get returns one transfer by ID, or nil.
func (q *Queue) Get(ctx context.Context, id string) (*Transfer, error) {
	row := q.db.RawDB().QueryRowContext(ctx, selectColumns+`
		FROM file_transfers WHERE id = ?`, id)
	return scanTransfer(row)
}

// List returns all transfers, newest first.
func (q *Queue) List(ctx context.Context) ([]Transfer, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, selectColumns+`
		FROM file_transfers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Pause takes a transfer out of the worker pool. A running transfer is
// interrupted between chunks; its progress so far is kept.
func (q *Queue) Pause(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers SET state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		StatePaused, q.now().UTC().Format(time.RFC3339Nano), id, StateQueued, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to pause transfer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transfer %s is not pausable", id)
	}

	q.mu.Lock()
	if cancel, ok := q.cancels[id]; ok {
		cancel()
	}
	q.mu.Unlock()
	return nil
}

// Resume puts a paused transfer back in the queue.
func (q *Queue) Resume(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers SET state = ?, next_attempt_at = '', updated_at = ?
		WHERE id = ? AND state = ?`,
		StateQueued, q.now().UTC().Format(time.RFC3339Nano), id, StatePaused,
	)
	if err != nil {
		return fmt.Errorf("failed to resume transfer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transfer %s is not paused", id)
	}
	q.signal()
	return nil
}

// Retry requeues a failed transfer with a fresh attempt budget. Failed is
// terminal until someone calls this.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers
		SET state = ?, attempts = 0, last_error = '', next_attempt_at = '', updated_at = ?
		WHERE id = ? AND state = ?`,
		StateQueued, q.now().UTC().Format(time.RFC3339Nano), id, StateFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to retry transfer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transfer %s is not failed", id)
	}
	q.signal()
	return nil
}

// Wait blocks until the transfer reaches a terminal state. A failed
// transfer returns its last error.
func (q *Queue) Wait(ctx context.Context, id string) (*Transfer, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		t, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("transfer %s not found", id)
		}
		switch t.State {
		case StateDone:
			return t, nil
		case StateFailed:
			return t, fmt.Errorf("transfer failed: %s", t.LastError)
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Transfers a
// previous process left in the running state are requeued before the first
// worker claims.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.recoverStranded(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < q.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		t, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			q.config.Logger.Printf("Failed to claim transfer: %v", err)
		}
		if t != nil {
			q.process(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// recoverStranded requeues transfers stranded as running by a crash. claim
// only selects queued rows, so without this a killed process would leave its
// in-flight transfers invisible to every future worker.
func (q *Queue) recoverStranded(ctx context.Context) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers
		SET state = ?, next_attempt_at = '', updated_at = ?
		WHERE state = ?`,
		StateQueued, q.now().UTC().Format(time.RFC3339Nano), StateRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to recover stranded transfers: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.config.Logger.Printf("Requeued %d transfers stranded mid-flight", n)
	}
	return nil
}

// claim atomically moves the oldest due queued transfer to running. Losing
// a race to another worker just means claiming nothing this round.
func (q *Queue) claim(ctx context.Context) (*Transfer, error) {
	now := q.now().UTC().Format(time.RFC3339Nano)
	row := q.db.RawDB().QueryRowContext(ctx, selectColumns+`
		FROM file_transfers
		WHERE state = ? AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT 1`,
		StateQueued, now,
	)
	t, err := scanTransfer(row)
	if err != nil || t == nil {
		return nil, err
	}

	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		StateRunning, now, t.ID, StateQueued,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil // another worker got it
	}
	t.State = StateRunning
	return t, nil
}

// process runs one attempt of one transfer.
func (q *Queue) process(ctx context.Context, t *Transfer) {
	attemptCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels[t.ID] = cancel
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, t.ID)
		q.mu.Unlock()
	}()

	url, err := q.mint(attemptCtx, t.Hash, t.Direction, t.MimeType)
	if err != nil {
		err = fmt.Errorf("failed to mint transfer URL: %w", err)
		// Authorization failures will not heal with backoff; park them
		// immediately instead of burning the retry budget.
		if isAuthError(err) {
			q.parkFailed(ctx, t, err)
			return
		}
		q.recordFailure(ctx, t, err)
		return
	}

	storageID, err := q.transferrer.Transfer(attemptCtx, t, url, func(done int64) {
		q.updateProgress(ctx, t.ID, done)
	})
	if err != nil {
		// A pause cancels the attempt context; the row is already in the
		// paused state and keeps its progress.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			cur, gerr := q.Get(ctx, t.ID)
			if gerr == nil && cur != nil && cur.State == StatePaused {
				q.config.Logger.Printf("Transfer %s paused at %d/%d bytes", t.ID, cur.BytesDone, cur.BytesTotal)
				return
			}
		}
		q.recordFailure(ctx, t, err)
		return
	}

	q.complete(ctx, t, storageID)
}

// complete marks the transfer done and, for uploads, registers the content
// in the storage layer now that the bytes are durable.
func (q *Queue) complete(ctx context.Context, t *Transfer, storageID string) {
	now := q.now().UTC().Format(time.RFC3339Nano)
	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers
		SET state = ?, bytes_done = bytes_total, last_error = '', updated_at = ?
		WHERE id = ?`,
		StateDone, now, t.ID,
	)
	if err != nil {
		q.config.Logger.Printf("Failed to mark transfer %s done: %v", t.ID, err)
		return
	}

	if t.Direction == protocol.DirectionUpload && q.store != nil {
		meta := files.Meta{
			Hash: t.Hash, Name: t.Name, MimeType: t.MimeType,
			Kind: t.Kind, SizeBytes: t.BytesTotal,
		}
		if _, err := q.store.RegisterOrRef(ctx, meta); err != nil {
			q.config.Logger.Printf("Failed to register uploaded content %s: %v", t.Hash, err)
		} else if storageID != "" {
			if err := q.store.SetStorage(ctx, t.Hash, storageID, ""); err != nil {
				q.config.Logger.Printf("Failed to record storage location for %s: %v", t.Hash, err)
			}
		}

		done, err := q.Get(ctx, t.ID)
		if err == nil && done != nil {
			q.bus.Emit(hooks.EventUploadAfter, UploadEvent{Transfer: *done, StorageID: storageID})
		}
	}

	q.config.Logger.Printf("Transfer %s (%s %s) complete", t.ID, t.Direction, t.Hash)
}

// isAuthError reports whether a mint failure is an authorization problem
// rather than a transient one.
func isAuthError(err error) bool {
	return errors.Is(err, presign.ErrUnauthenticated) ||
		errors.Is(err, presign.ErrWorkspaceMismatch) ||
		errors.Is(err, transport.ErrUnauthorized)
}

// parkFailed moves a transfer straight to the terminal failed state.
func (q *Queue) parkFailed(ctx context.Context, t *Transfer, cause error) {
	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers
		SET state = ?, attempts = ?, last_error = ?, next_attempt_at = '', updated_at = ?
		WHERE id = ? AND state = ?`,
		StateFailed, t.Attempts+1, cause.Error(),
		q.now().UTC().Format(time.RFC3339Nano), t.ID, StateRunning,
	)
	if err != nil {
		q.config.Logger.Printf("Failed to park transfer %s: %v", t.ID, err)
		return
	}
	q.config.Logger.Printf("Transfer %s failed without retry: %v", t.ID, cause)
}

// recordFailure applies the retry policy: requeue with backoff, or park as
// failed once the attempt budget is spent.
func (q *Queue) recordFailure(ctx context.Context, t *Transfer, cause error) {
	attempts := t.Attempts + 1
	now := q.now()

	state := StateQueued
	nextAttempt := now.Add(Backoff(attempts)).UTC().Format(time.RFC3339Nano)
	if attempts >= q.config.MaxAttempts {
		state = StateFailed
		nextAttempt = ""
	}

	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers
		SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		state, attempts, cause.Error(), nextAttempt,
		now.UTC().Format(time.RFC3339Nano), t.ID, StateRunning,
	)
	if err != nil {
		q.config.Logger.Printf("Failed to record transfer failure: %v", err)
		return
	}

	if state == StateFailed {
		q.config.Logger.Printf("Transfer %s failed permanently after %d attempts: %v", t.ID, attempts, cause)
	} else {
		q.config.Logger.Printf("Transfer %s attempt %d failed, retrying in %v: %v",
			t.ID, attempts, Backoff(attempts), cause)
	}
}

func (q *Queue) updateProgress(ctx context.Context, id string, done int64) {
	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE file_transfers SET bytes_done = ?, updated_at = ? WHERE id = ?`,
		done, q.now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		q.config.Logger.Printf("Failed to update progress for %s: %v", id, err)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

const selectColumns = `
	SELECT id, hash, workspace_id, direction, name, mime_type, kind,
	       local_path, bytes_total, bytes_done, state, attempts, last_error,
	       created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Hash, &t.WorkspaceID, &t.Direction, &t.Name,
		&t.MimeType, &t.Kind, &t.LocalPath, &t.BytesTotal, &t.BytesDone,
		&t.State, &t.Attempts, &t.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

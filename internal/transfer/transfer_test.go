package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/files"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/presign"
	"github.com/driftworks/driftsync/internal/protocol"
)

// fakeTransferrer counts transfers and fails on demand.
type fakeTransferrer struct {
	mu        sync.Mutex
	transfers []string // transfer IDs processed
	failures  int32    // remaining transfers to fail
	storageID string
	block     chan struct{} // if set, transfers block until closed
}

func (f *fakeTransferrer) Transfer(ctx context.Context, t *Transfer, url *protocol.PresignResult, progress func(done int64)) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.transfers = append(f.transfers, t.ID)
	f.mu.Unlock()

	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return "", errors.New("simulated network failure")
	}
	progress(t.BytesTotal)
	return f.storageID, nil
}

func (f *fakeTransferrer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func testMint(calls *atomic.Int32) MintFunc {
	return func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &protocol.PresignResult{
			URL:       "https://storage.example.com/" + hash,
			StorageID: "obj-" + hash[:13],
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}
}

func setupQueue(t *testing.T, transferrer Transferrer, bus *hooks.Bus) (*Queue, *files.Store) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	store := files.New(database)
	config := DefaultConfig()
	config.PollInterval = 20 * time.Millisecond

	q := NewQueue(database, "ws-1", store, bus, testMint(nil), transferrer, config)
	return q, store
}

func hashFor(content string) string {
	h, _, _ := files.HashOf(strings.NewReader(content))
	return h
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return cancel
}

func TestUploadCompletesAndRegistersMeta(t *testing.T) {
	ft := &fakeTransferrer{storageID: "obj-1"}
	bus := hooks.NewBus()

	var before, after atomic.Int32
	bus.On(hooks.EventUploadBefore, func(payload any) { before.Add(1) })
	bus.On(hooks.EventUploadAfter, func(payload any) { after.Add(1) })

	q, store := setupQueue(t, ft, bus)
	defer runQueue(t, q)()
	ctx := context.Background()

	hash := hashFor("attachment")
	tr, err := q.EnqueueUpload(ctx, UploadRequest{
		Hash: hash, LocalPath: "/tmp/a.png", Name: "a.png",
		MimeType: "image/png", SizeBytes: 10,
	})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := q.Wait(waitCtx, tr.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.State != StateDone {
		t.Errorf("state = %s, want done", done.State)
	}
	if done.Progress() != 1 {
		t.Errorf("progress = %v, want 1", done.Progress())
	}

	meta, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("meta get: %v", err)
	}
	if meta == nil || meta.RefCount != 1 {
		t.Fatalf("meta = %+v, want registered with ref_count 1", meta)
	}
	if meta.StorageID != "obj-1" {
		t.Errorf("storage id = %q, want obj-1", meta.StorageID)
	}

	if before.Load() != 1 || after.Load() != 1 {
		t.Errorf("events before=%d after=%d, want 1/1", before.Load(), after.Load())
	}
}

func TestDuplicateEnqueueJoins(t *testing.T) {
	ft := &fakeTransferrer{block: make(chan struct{})}
	q, _ := setupQueue(t, ft, nil)
	defer runQueue(t, q)()
	ctx := context.Background()

	hash := hashFor("same bytes")
	first, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hash, SizeBytes: 4})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hash, SizeBytes: 4})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second enqueue created a new transfer: %s vs %s", first.ID, second.ID)
	}

	close(ft.block)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := q.Wait(waitCtx, first.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := ft.count(); got != 1 {
		t.Errorf("transfers performed = %d, want 1 (joined)", got)
	}
}

func TestPolicyVeto(t *testing.T) {
	bus := hooks.NewBus()
	bus.OnFilter(hooks.FilterUploadPolicy, func(value any) any {
		check := value.(PolicyCheck)
		if check.SizeBytes > 1024 {
			check.Allow = false
		}
		return check
	})
	q, _ := setupQueue(t, &fakeTransferrer{}, bus)
	ctx := context.Background()

	_, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("big"), SizeBytes: 4096})
	if !errors.Is(err, ErrVetoed) {
		t.Fatalf("err = %v, want ErrVetoed", err)
	}

	if _, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("small"), SizeBytes: 10}); err != nil {
		t.Errorf("small upload rejected: %v", err)
	}
}

func TestRetryBackoffThenFailed(t *testing.T) {
	ft := &fakeTransferrer{failures: 100} // always fail
	q, _ := setupQueue(t, ft, nil)
	ctx := context.Background()

	tr, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("doomed"), SizeBytes: 1})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	// Drive attempts directly instead of waiting out real backoff.
	for i := 0; i < q.config.MaxAttempts; i++ {
		cur, err := q.Get(ctx, tr.ID)
		if err != nil || cur == nil {
			t.Fatalf("Get: %v", err)
		}
		cur.State = StateRunning
		if _, err := q.db.RawDB().ExecContext(ctx,
			`UPDATE file_transfers SET state = ? WHERE id = ?`, StateRunning, tr.ID); err != nil {
			t.Fatalf("force running: %v", err)
		}
		q.process(ctx, cur)
	}

	final, err := q.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != StateFailed {
		t.Errorf("state = %s, want failed after %d attempts", final.State, q.config.MaxAttempts)
	}
	if final.Attempts != q.config.MaxAttempts {
		t.Errorf("attempts = %d, want %d", final.Attempts, q.config.MaxAttempts)
	}

	// Terminal until the caller retries.
	if err := q.Retry(ctx, tr.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	requeued, _ := q.Get(ctx, tr.ID)
	if requeued.State != StateQueued || requeued.Attempts != 0 {
		t.Errorf("after retry: state=%s attempts=%d, want queued/0", requeued.State, requeued.Attempts)
	}
}

func TestCrashedRunningTransfersRequeueOnRun(t *testing.T) {
	ft := &fakeTransferrer{}
	q, _ := setupQueue(t, ft, nil)
	ctx := context.Background()

	tr, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("interrupted"), SizeBytes: 4})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}
	paused, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("parked"), SizeBytes: 4})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	// Simulate a crash mid-flight: one row stuck running with no worker
	// attached, one legitimately paused.
	if _, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE file_transfers SET state = ? WHERE id = ?`, StateRunning, tr.ID); err != nil {
		t.Fatalf("strand transfer: %v", err)
	}
	if _, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE file_transfers SET state = ? WHERE id = ?`, StatePaused, paused.ID); err != nil {
		t.Fatalf("pause transfer: %v", err)
	}

	// A restarted pool must requeue the stranded row and finish it.
	defer runQueue(t, q)()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := q.Wait(waitCtx, tr.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.State != StateDone {
		t.Errorf("state = %s, want done", done.State)
	}

	// Recovery only touches running rows; paused stays paused.
	still, err := q.Get(ctx, paused.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if still.State != StatePaused {
		t.Errorf("paused transfer state = %s, want paused", still.State)
	}
}

func TestAuthFailureFailsWithoutRetry(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	mint := func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error) {
		return nil, presign.ErrWorkspaceMismatch
	}
	q := NewQueue(database, "ws-1", files.New(database), nil, mint, &fakeTransferrer{}, nil)
	ctx := context.Background()

	tr, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("forbidden"), SizeBytes: 4})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	if _, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE file_transfers SET state = ? WHERE id = ?`, StateRunning, tr.ID); err != nil {
		t.Fatalf("force running: %v", err)
	}
	tr.State = StateRunning
	q.process(ctx, tr)

	final, err := q.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != StateFailed {
		t.Errorf("state = %s, want failed on the first attempt", final.State)
	}
	var nextAttempt string
	if err := q.db.RawDB().QueryRowContext(ctx,
		`SELECT next_attempt_at FROM file_transfers WHERE id = ?`, tr.ID).Scan(&nextAttempt); err != nil {
		t.Fatalf("query next_attempt_at: %v", err)
	}
	if nextAttempt != "" {
		t.Errorf("next_attempt_at = %q, want none for an authorization failure", nextAttempt)
	}
	if !strings.Contains(final.LastError, presign.ErrWorkspaceMismatch.Error()) {
		t.Errorf("last error = %q, want the authorization cause", final.LastError)
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := Backoff(0); got != 0 {
		t.Errorf("Backoff(0) = %v, want 0", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	ft := &fakeTransferrer{block: make(chan struct{})}
	q, _ := setupQueue(t, ft, nil)
	defer runQueue(t, q)()
	ctx := context.Background()

	tr, err := q.EnqueueUpload(ctx, UploadRequest{Hash: hashFor("pausable"), SizeBytes: 8})
	if err != nil {
		t.Fatalf("EnqueueUpload: %v", err)
	}

	// Wait until a worker picks it up, then pause mid-flight.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, _ := q.Get(ctx, tr.ID)
		if cur != nil && cur.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transfer never started running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := q.Pause(ctx, tr.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := q.Get(ctx, tr.ID)
	if paused.State != StatePaused {
		t.Fatalf("state = %s, want paused", paused.State)
	}

	// Paused transfers stay out of the pool even with idle workers.
	time.Sleep(100 * time.Millisecond)
	still, _ := q.Get(ctx, tr.ID)
	if still.State != StatePaused {
		t.Fatalf("paused transfer was picked up: state = %s", still.State)
	}

	close(ft.block)
	if err := q.Resume(ctx, tr.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := q.Wait(waitCtx, tr.ID)
	if err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	if done.State != StateDone {
		t.Errorf("state = %s, want done", done.State)
	}
}

func TestDownloadDoesNotRegisterMeta(t *testing.T) {
	ft := &fakeTransferrer{}
	q, store := setupQueue(t, ft, nil)
	defer runQueue(t, q)()
	ctx := context.Background()

	hash := hashFor("fetched")
	tr, err := q.EnqueueDownload(ctx, hash, "/tmp/fetched.bin", 16)
	if err != nil {
		t.Fatalf("EnqueueDownload: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := q.Wait(waitCtx, tr.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	meta, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("meta get: %v", err)
	}
	if meta != nil {
		t.Error("download registered file meta; that is the upload path's job")
	}
}

func TestConcurrencyBounded(t *testing.T) {
	block := make(chan struct{})
	ft := &fakeTransferrer{block: block}
	q, _ := setupQueue(t, ft, nil)
	defer runQueue(t, q)()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.EnqueueUpload(ctx, UploadRequest{
			Hash: hashFor(fmt.Sprintf("content-%d", i)), SizeBytes: 1,
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// With 2 workers and all transfers blocked, at most 2 ever run.
	time.Sleep(200 * time.Millisecond)
	list, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	running := 0
	for _, tr := range list {
		if tr.State == StateRunning {
			running++
		}
	}
	if running != 2 {
		t.Errorf("running = %d, want exactly 2", running)
	}

	close(block)
	deadline := time.Now().Add(5 * time.Second)
	for {
		list, _ := q.List(ctx)
		doneCount := 0
		for _, tr := range list {
			if tr.State == StateDone {
				doneCount++
			}
		}
		if doneCount == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 5 transfers completed", doneCount)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

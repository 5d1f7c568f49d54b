package cursor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftworks/driftsync/internal/db"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return New(database, "ws-1")
}

func TestFreshWorkspaceNeedsBootstrap(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	cur, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cur != 0 {
		t.Errorf("expected cursor 0 on fresh workspace, got %d", cur)
	}

	needs, err := m.NeedsBootstrap(ctx)
	if err != nil {
		t.Fatalf("NeedsBootstrap failed: %v", err)
	}
	if !needs {
		t.Error("fresh workspace should need bootstrap")
	}
}

func TestSetAdvancesAndNeverRegresses(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.Set(ctx, 42); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	cur, _ := m.Get(ctx)
	if cur != 42 {
		t.Fatalf("expected cursor 42, got %d", cur)
	}

	// Smaller value must not regress the cursor.
	if err := m.Set(ctx, 10); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	cur, _ = m.Get(ctx)
	if cur != 42 {
		t.Errorf("cursor regressed to %d", cur)
	}

	if err := m.Set(ctx, 100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	cur, _ = m.Get(ctx)
	if cur != 100 {
		t.Errorf("expected cursor 100, got %d", cur)
	}

	needs, _ := m.NeedsBootstrap(ctx)
	if needs {
		t.Error("synced workspace should not need bootstrap")
	}
}

func TestIsStale(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	// Never synced: stale by definition.
	stale, err := m.IsStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("IsStale failed: %v", err)
	}
	if !stale {
		t.Error("never-synced workspace should be stale")
	}

	if err := m.Set(ctx, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	stale, err = m.IsStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("IsStale failed: %v", err)
	}
	if stale {
		t.Error("just-synced workspace should not be stale")
	}

	// Move the manager's clock two hours ahead.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err = m.IsStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("IsStale failed: %v", err)
	}
	if !stale {
		t.Error("workspace last synced 2h ago should be stale at 1h threshold")
	}
}

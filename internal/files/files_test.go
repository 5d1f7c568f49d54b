package files

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftworks/driftsync/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return New(database)
}

func TestHashOf(t *testing.T) {
	hash, size, err := HashOf(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("HashOf: %v", err)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
	want := "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}

	// Same bytes, same address.
	again, _, _ := HashOf(strings.NewReader("hello world"))
	if again != hash {
		t.Errorf("hash not deterministic: %s vs %s", again, hash)
	}
}

func TestParseHash(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		algo    string
		digest  string
		wantErr bool
	}{
		{"sha256 prefixed", "sha256:ABCDEF0123", AlgoSHA256, "abcdef0123", false},
		{"md5 prefixed", "md5:d41d8cd98f00b204e9800998ecf8427e", AlgoMD5, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"legacy bare hex is md5", "d41d8cd98f00b204e9800998ecf8427e", AlgoMD5, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"unknown algorithm", "sha1:abcdef", "", "", true},
		{"non-hex digest", "sha256:zzzz", "", "", true},
		{"empty", "", "", "", true},
		{"bare non-hex", "not-a-hash", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			algo, digest, err := ParseHash(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseHash(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHash(%q): %v", tt.in, err)
			}
			if algo != tt.algo || digest != tt.digest {
				t.Errorf("got (%s, %s), want (%s, %s)", algo, digest, tt.algo, tt.digest)
			}
		})
	}
}

func TestRegisterDedupesByHash(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	hash, _, _ := HashOf(strings.NewReader("attachment bytes"))

	first, err := store.RegisterOrRef(ctx, Meta{Hash: hash, Name: "a.png", MimeType: "image/png", SizeBytes: 16})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if first.RefCount != 1 {
		t.Errorf("ref_count = %d, want 1", first.RefCount)
	}

	second, err := store.RegisterOrRef(ctx, Meta{Hash: hash, Name: "copy-of-a.png", SizeBytes: 16})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if second.RefCount != 2 {
		t.Errorf("ref_count after dedup = %d, want 2", second.RefCount)
	}
	if second.Deleted {
		t.Error("record marked deleted after re-register")
	}
}

func TestReleaseSoftDeletesAtZero(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	hash, _, _ := HashOf(strings.NewReader("shared"))

	store.RegisterOrRef(ctx, Meta{Hash: hash, Name: "f"})
	store.RegisterOrRef(ctx, Meta{Hash: hash})

	m, err := store.Release(ctx, hash)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if m.RefCount != 1 || m.Deleted {
		t.Errorf("after first release: ref=%d deleted=%v, want 1/false", m.RefCount, m.Deleted)
	}

	m, err = store.Release(ctx, hash)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if m.RefCount != 0 || !m.Deleted {
		t.Errorf("after last release: ref=%d deleted=%v, want 0/true", m.RefCount, m.Deleted)
	}

	// The row survives for the retention window.
	got, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("soft-deleted record was removed")
	}
}

func TestReregisterRevivesDeleted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	hash, _, _ := HashOf(strings.NewReader("revive me"))

	store.RegisterOrRef(ctx, Meta{Hash: hash, Name: "f"})
	store.Release(ctx, hash)

	m, err := store.RegisterOrRef(ctx, Meta{Hash: hash, Name: "f-again"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if m.Deleted || m.RefCount != 1 {
		t.Errorf("revived record: ref=%d deleted=%v, want 1/false", m.RefCount, m.Deleted)
	}
}

func TestGCEligible(t *testing.T) {
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	retention := 24 * time.Hour

	tests := []struct {
		name string
		meta Meta
		want bool
	}{
		{"eligible", Meta{RefCount: 0, Deleted: true, UpdatedAt: old}, true},
		{"still referenced", Meta{RefCount: 1, Deleted: true, UpdatedAt: old}, false},
		{"not deleted", Meta{RefCount: 0, Deleted: false, UpdatedAt: old}, false},
		{"too recent", Meta{RefCount: 0, Deleted: true, UpdatedAt: now.Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GCEligible(tt.meta, now, retention); got != tt.want {
				t.Errorf("GCEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepGC(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	oldHash, _, _ := HashOf(strings.NewReader("old"))
	keepHash, _, _ := HashOf(strings.NewReader("keep"))

	store.RegisterOrRef(ctx, Meta{Hash: oldHash})
	store.Release(ctx, oldHash)
	store.RegisterOrRef(ctx, Meta{Hash: keepHash})

	// Jump past the retention window.
	current = current.Add(DefaultRetention + time.Hour)

	n, err := store.SweepGC(ctx)
	if err != nil {
		t.Fatalf("SweepGC: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if got, _ := store.Get(ctx, oldHash); got != nil {
		t.Error("eligible record survived sweep")
	}
	if got, _ := store.Get(ctx, keepHash); got == nil {
		t.Error("referenced record was swept")
	}
}

func TestSetStorage(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	hash, _, _ := HashOf(strings.NewReader("stored"))

	store.RegisterOrRef(ctx, Meta{Hash: hash})
	if err := store.SetStorage(ctx, hash, "obj-123", "s3-main"); err != nil {
		t.Fatalf("SetStorage: %v", err)
	}

	m, _ := store.Get(ctx, hash)
	if m.StorageID != "obj-123" || m.StorageProviderID != "s3-main" {
		t.Errorf("storage = (%s, %s), want (obj-123, s3-main)", m.StorageID, m.StorageProviderID)
	}
}

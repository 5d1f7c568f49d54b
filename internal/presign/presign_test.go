package presign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/protocol"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, claims sessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

type fakeMinter struct {
	calls   int
	lastReq protocol.PresignRequest
	result  *protocol.PresignResult
	err     error
}

func (m *fakeMinter) Mint(ctx context.Context, req protocol.PresignRequest) (*protocol.PresignResult, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		r := *m.result
		return &r, nil
	}
	return &protocol.PresignResult{
		URL:       "https://storage.example.com/" + req.Hash,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}, nil
}

func testSession(workspaceID string) *Session {
	return &Session{
		Subject:     "user-1",
		WorkspaceID: workspaceID,
		DeviceID:    "dev-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestParseSessionRoundTrip(t *testing.T) {
	token := signToken(t, sessionClaims{
		WorkspaceID: "ws-1",
		DeviceID:    "dev-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	s, err := ParseSession(token, testSecret)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if s.WorkspaceID != "ws-1" || s.DeviceID != "dev-1" || s.Subject != "user-1" {
		t.Errorf("session = %+v", s)
	}
}

func TestParseSessionRejectsBadSignature(t *testing.T) {
	token := signToken(t, sessionClaims{WorkspaceID: "ws-1"})
	_, err := ParseSession(token, []byte("wrong-secret"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestParseSessionRejectsExpired(t *testing.T) {
	token := signToken(t, sessionClaims{
		WorkspaceID: "ws-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, err := ParseSession(token, testSecret)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestParseSessionRequiresWorkspace(t *testing.T) {
	token := signToken(t, sessionClaims{})
	_, err := ParseSession(token, testSecret)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestWorkspaceMismatchFailsClosed(t *testing.T) {
	minter := &fakeMinter{}
	svc := NewService(minter, nil, nil)

	_, err := svc.URL(context.Background(), testSession("ws-other"), "ws-1", "sha256:aa", protocol.DirectionUpload)
	if !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("err = %v, want ErrWorkspaceMismatch", err)
	}
	if minter.calls != 0 {
		t.Error("mint endpoint was called despite authorization failure")
	}
}

func TestNilSessionRejected(t *testing.T) {
	minter := &fakeMinter{}
	svc := NewService(minter, nil, nil)

	_, err := svc.URL(context.Background(), nil, "ws-1", "sha256:aa", protocol.DirectionDownload)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if minter.calls != 0 {
		t.Error("mint endpoint was called without a session")
	}
}

func TestExpiryClampedToCeiling(t *testing.T) {
	minter := &fakeMinter{result: &protocol.PresignResult{
		URL:       "https://storage.example.com/x",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}}
	bus := hooks.NewBus()
	// A listener trying to extend the lifetime must be overridden.
	bus.OnFilter(hooks.FilterURLOptions, func(value any) any {
		opts := value.(Options)
		opts.Expiry = 6 * time.Hour
		return opts
	})
	svc := NewService(minter, bus, nil)

	result, err := svc.URL(context.Background(), testSession("ws-1"), "ws-1", "sha256:aa", protocol.DirectionUpload)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if minter.lastReq.ExpirySecs != int64(MaxExpiry/time.Second) {
		t.Errorf("requested expiry = %ds, want clamped to %v", minter.lastReq.ExpirySecs, MaxExpiry)
	}
	if result.ExpiresAt.After(time.Now().Add(MaxExpiry + time.Minute)) {
		t.Errorf("result expiry %v exceeds ceiling", result.ExpiresAt)
	}
}

func TestOptionsFilterSetsContentType(t *testing.T) {
	minter := &fakeMinter{}
	bus := hooks.NewBus()
	bus.OnFilter(hooks.FilterURLOptions, func(value any) any {
		opts := value.(Options)
		opts.ContentType = "image/png"
		opts.Expiry = 10 * time.Minute
		return opts
	})
	svc := NewService(minter, bus, nil)

	_, err := svc.URL(context.Background(), testSession("ws-1"), "ws-1", "sha256:aa", protocol.DirectionUpload)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if minter.lastReq.ContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", minter.lastReq.ContentType)
	}
	if minter.lastReq.ExpirySecs != 600 {
		t.Errorf("expiry = %ds, want 600", minter.lastReq.ExpirySecs)
	}
}

func TestURLCacheHitSkipsMint(t *testing.T) {
	minter := &fakeMinter{}
	svc := NewService(minter, nil, nil)
	ctx := context.Background()
	session := testSession("ws-1")

	first, err := svc.URL(ctx, session, "ws-1", "sha256:aa", protocol.DirectionDownload)
	if err != nil {
		t.Fatalf("first URL: %v", err)
	}
	second, err := svc.URL(ctx, session, "ws-1", "sha256:aa", protocol.DirectionDownload)
	if err != nil {
		t.Fatalf("second URL: %v", err)
	}
	if minter.calls != 1 {
		t.Errorf("mint calls = %d, want 1 (cache hit)", minter.calls)
	}
	if first.URL != second.URL {
		t.Errorf("cached URL differs: %s vs %s", first.URL, second.URL)
	}

	// A different direction is a different cache entry.
	if _, err := svc.URL(ctx, session, "ws-1", "sha256:aa", protocol.DirectionUpload); err != nil {
		t.Fatalf("upload URL: %v", err)
	}
	if minter.calls != 2 {
		t.Errorf("mint calls = %d, want 2", minter.calls)
	}
}

func TestNearlyExpiredCacheEntryRemints(t *testing.T) {
	minter := &fakeMinter{result: &protocol.PresignResult{
		URL:       "https://storage.example.com/x",
		ExpiresAt: time.Now().Add(5 * time.Second),
	}}
	svc := NewService(minter, nil, nil)
	ctx := context.Background()
	session := testSession("ws-1")

	if _, err := svc.URL(ctx, session, "ws-1", "sha256:aa", protocol.DirectionDownload); err != nil {
		t.Fatalf("first URL: %v", err)
	}
	// Within the 30s reuse margin, so the cached URL is not trusted.
	if _, err := svc.URL(ctx, session, "ws-1", "sha256:aa", protocol.DirectionDownload); err != nil {
		t.Fatalf("second URL: %v", err)
	}
	if minter.calls != 2 {
		t.Errorf("mint calls = %d, want 2 (stale entry discarded)", minter.calls)
	}
}

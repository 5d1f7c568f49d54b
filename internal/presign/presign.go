// Package presign mints short-lived storage URLs for file transfers.
//
// Authorization is fail-closed: a session scoped to another workspace is
// rejected before anything touches the network. Minting is pure with
// respect to storage state - registering file metadata is the transfer
// layer's job, after bytes are durably stored.
//
// Minted URLs are cached per (workspace, hash, direction) in an expiring
// LRU so a burst of transfer retries does not hammer the mint endpoint.
package presign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/protocol"
)

var (
	// ErrUnauthenticated means the session token is missing, malformed,
	// or expired.
	ErrUnauthenticated = errors.New("presign: unauthenticated")

	// ErrWorkspaceMismatch means the session is valid but scoped to a
	// different workspace. Never retried.
	ErrWorkspaceMismatch = errors.New("presign: session workspace mismatch")
)

// MaxExpiry is the hard ceiling on minted URL lifetime. Filter listeners
// may shorten it, never extend it.
const MaxExpiry = time.Hour

// Session is the authenticated identity attached to presign calls. It is
// issued externally; this package only verifies and reads it.
type Session struct {
	Subject     string
	WorkspaceID string
	DeviceID    string
	ExpiresAt   time.Time
}

type sessionClaims struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	jwt.RegisteredClaims
}

// ParseSession verifies an HS256 session token and extracts its identity.
func ParseSession(tokenString string, secret []byte) (*Session, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: token has no workspace", ErrUnauthenticated)
	}

	s := &Session{
		Subject:     claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		DeviceID:    claims.DeviceID,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Options are the adjustable parts of a mint request. Listeners on the URL
// options filter may shorten the expiry or add headers (e.g. content type
// for uploads).
type Options struct {
	Expiry      time.Duration
	ContentType string
}

// Minter is the abstract mint endpoint (the HTTP transport in production).
type Minter interface {
	Mint(ctx context.Context, req protocol.PresignRequest) (*protocol.PresignResult, error)
}

// Config holds service tunables.
type Config struct {
	// CacheSize bounds the URL cache (default: 256 entries).
	CacheSize int

	// CacheMargin is how much remaining lifetime a cached URL needs to
	// be reused (default: 30s).
	CacheMargin time.Duration

	// Logger for mint activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheSize:   256,
		CacheMargin: 30 * time.Second,
		Logger:      log.New(os.Stderr, "[presign] ", log.LstdFlags),
	}
}

// Service mints and caches presigned URLs.
type Service struct {
	minter Minter
	bus    *hooks.Bus
	config *Config
	cache  *expirable.LRU[string, *protocol.PresignResult]
	now    func() time.Time
}

// NewService creates the presign service.
func NewService(minter Minter, bus *hooks.Bus, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 256
	}
	if config.CacheMargin <= 0 {
		config.CacheMargin = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[presign] ", log.LstdFlags)
	}
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Service{
		minter: minter,
		bus:    bus,
		config: config,
		cache:  expirable.NewLRU[string, *protocol.PresignResult](config.CacheSize, nil, MaxExpiry),
		now:    time.Now,
	}
}

// URL returns a presigned URL for one content hash.
//
// The session must be scoped to the requested workspace and unexpired.
// Listeners on the URL options filter may adjust the request; the expiry
// is clamped to MaxExpiry regardless of what they return.
func (s *Service) URL(ctx context.Context, session *Session, workspaceID, hash, direction string) (*protocol.PresignResult, error) {
	if session == nil {
		return nil, ErrUnauthenticated
	}
	if session.WorkspaceID != workspaceID {
		return nil, ErrWorkspaceMismatch
	}
	if !session.ExpiresAt.IsZero() && !s.now().Before(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}

	key := workspaceID + "|" + hash + "|" + direction
	if cached, ok := s.cache.Get(key); ok {
		if cached.ExpiresAt.After(s.now().Add(s.config.CacheMargin)) {
			return cached, nil
		}
		s.cache.Remove(key)
	}

	opts := Options{Expiry: MaxExpiry}
	if filtered, ok := s.bus.Filter(hooks.FilterURLOptions, opts).(Options); ok {
		opts = filtered
	}
	if opts.Expiry <= 0 || opts.Expiry > MaxExpiry {
		opts.Expiry = MaxExpiry
	}

	result, err := s.minter.Mint(ctx, protocol.PresignRequest{
		Hash:        hash,
		WorkspaceID: workspaceID,
		Direction:   direction,
		ContentType: opts.ContentType,
		ExpirySecs:  int64(opts.Expiry / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint presigned URL: %w", err)
	}

	// Never trust the server past the local ceiling.
	ceiling := s.now().Add(MaxExpiry)
	if result.ExpiresAt.IsZero() || result.ExpiresAt.After(ceiling) {
		result.ExpiresAt = ceiling
	}

	s.cache.Add(key, result)
	return result, nil
}

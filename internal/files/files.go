// Package files implements the content-addressed metadata layer for
// binary attachments.
//
// Identity is the hash of the bytes: two uploads of identical content
// collapse to one record with its reference count incremented. Releasing
// the last reference soft-deletes the record; the row survives a retention
// window before becoming GC-eligible, so a concurrent re-reference on
// another device cannot race a hard delete.
//
// New content is always addressed as "sha256:<hex>". Bare hex values from
// older databases are parsed as md5 addresses for compatibility but never
// produced.
package files

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/driftworks/driftsync/internal/db"
)

// Hash algorithms understood by the address parser.
const (
	AlgoSHA256 = "sha256"
	AlgoMD5    = "md5"
)

// DefaultRetention is how long a soft-deleted record is kept before GC.
const DefaultRetention = 30 * 24 * time.Hour

// HashOf consumes the reader and returns its content address and size.
// New content is always sha256.
func HashOf(r io.Reader) (hash string, size int64, err error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash content: %w", err)
	}
	return AlgoSHA256 + ":" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// ParseHash splits a content address into algorithm and digest.
//
// A bare hex string (no "algo:" prefix) is a legacy md5 address and
// normalizes to "md5:<hex>". Unknown algorithms and non-hex digests are
// rejected.
func ParseHash(s string) (algo, digest string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("empty content hash")
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo, digest = s[:i], strings.ToLower(s[i+1:])
		if algo != AlgoSHA256 && algo != AlgoMD5 {
			return "", "", fmt.Errorf("unknown hash algorithm %q", algo)
		}
	} else {
		// Legacy unprefixed addresses predate the algorithm tag.
		algo, digest = AlgoMD5, strings.ToLower(s)
	}

	if _, err := hex.DecodeString(digest); err != nil || digest == "" {
		return "", "", fmt.Errorf("invalid hash digest %q", digest)
	}
	return algo, digest, nil
}

// Normalize returns the canonical "algo:hex" form of a content address.
func Normalize(s string) (string, error) {
	algo, digest, err := ParseHash(s)
	if err != nil {
		return "", err
	}
	return algo + ":" + digest, nil
}

// Meta is the metadata record for one piece of content.
type Meta struct {
	Hash              string
	Name              string
	MimeType          string
	Kind              string
	SizeBytes         int64
	StorageID         string
	StorageProviderID string
	RefCount          int
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GCEligible reports whether a record can be hard-deleted: no references,
// soft-deleted, and untouched for the retention window. Any failing
// condition keeps the row.
func GCEligible(meta Meta, now time.Time, retention time.Duration) bool {
	if meta.RefCount != 0 || !meta.Deleted {
		return false
	}
	return meta.UpdatedAt.Before(now.Add(-retention))
}

// Store owns the file_meta table. All mutation goes through it.
type Store struct {
	db        *db.DB
	retention time.Duration
	now       func() time.Time
}

// New creates a store over the workspace database.
func New(database *db.DB) *Store {
	return &Store{
		db:        database,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// SetRetention overrides the GC retention window.
func (s *Store) SetRetention(retention time.Duration) {
	s.retention = retention
}

// RegisterOrRef records content metadata, deduplicating by hash.
//
// If a record for the hash already exists its reference count is
// incremented (and a soft delete undone - re-registering revives the
// record). Otherwise a new record is inserted with ref_count = 1. The
// stored record is returned either way.
func (s *Store) RegisterOrRef(ctx context.Context, meta Meta) (*Meta, error) {
	hash, err := Normalize(meta.Hash)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.RawDB().ExecContext(ctx, `
		INSERT INTO file_meta (hash, name, mime_type, kind, size_bytes,
			storage_id, storage_provider_id, ref_count, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			ref_count  = ref_count + 1,
			deleted    = 0,
			name       = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			updated_at = excluded.updated_at`,
		hash, meta.Name, meta.MimeType, meta.Kind, meta.SizeBytes,
		nullable(meta.StorageID), nullable(meta.StorageProviderID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register file meta: %w", err)
	}
	return s.Get(ctx, hash)
}

// Release drops one reference. At zero references the record is
// soft-deleted and its retention clock starts; the row itself stays until
// SweepGC.
func (s *Store) Release(ctx context.Context, hash string) (*Meta, error) {
	hash, err := Normalize(hash)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.RawDB().ExecContext(ctx, `
		UPDATE file_meta
		SET ref_count  = MAX(ref_count - 1, 0),
		    deleted    = CASE WHEN ref_count <= 1 THEN 1 ELSE deleted END,
		    updated_at = ?
		WHERE hash = ?`,
		now, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to release file meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("no file meta for hash %s", hash)
	}
	return s.Get(ctx, hash)
}

// SetStorage records where the bytes landed after a durable transfer.
func (s *Store) SetStorage(ctx context.Context, hash, storageID, providerID string) error {
	hash, err := Normalize(hash)
	if err != nil {
		return err
	}
	_, err = s.db.RawDB().ExecContext(ctx, `
		UPDATE file_meta
		SET storage_id = ?, storage_provider_id = ?, updated_at = ?
		WHERE hash = ?`,
		storageID, providerID, s.now().UTC().Format(time.RFC3339Nano), hash,
	)
	if err != nil {
		return fmt.Errorf("failed to set storage location: %w", err)
	}
	return nil
}

// Get returns the record for a hash, or nil if none exists.
func (s *Store) Get(ctx context.Context, hash string) (*Meta, error) {
	hash, err := Normalize(hash)
	if err != nil {
		return nil, err
	}

	var m Meta
	var storageID, providerID sql.NullString
	var deleted int
	var createdAt, updatedAt string
	err = s.db.RawDB().QueryRowContext(ctx, `
		SELECT hash, name, mime_type, kind, size_bytes,
		       storage_id, storage_provider_id, ref_count, deleted,
		       created_at, updated_at
		FROM file_meta WHERE hash = ?`, hash,
	).Scan(&m.Hash, &m.Name, &m.MimeType, &m.Kind, &m.SizeBytes,
		&storageID, &providerID, &m.RefCount, &deleted, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file meta: %w", err)
	}

	m.StorageID = storageID.String
	m.StorageProviderID = providerID.String
	m.Deleted = deleted != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

// SweepGC hard-deletes every GC-eligible record and returns the count.
func (s *Store) SweepGC(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.RawDB().ExecContext(ctx, `
		DELETE FROM file_meta
		WHERE ref_count = 0 AND deleted = 1 AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep file meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package resolve implements deterministic Last-Write-Wins conflict
// resolution between two versions of the same record.
//
// The ordering is total over (clock, hlc) and independent of network
// arrival order: devices that receive the same pair of changes in
// different orders converge on the same winner. Conflicts are never
// errors - Resolve always produces an answer.
package resolve

import (
	"bytes"
	"encoding/json"

	"github.com/driftworks/driftsync/internal/stamp"
)

// Winner identifies which version a resolution kept.
type Winner string

const (
	// WinnerLocal means the local version supersedes the remote one.
	WinnerLocal Winner = "local"

	// WinnerRemote means the remote version supersedes the local one.
	WinnerRemote Winner = "remote"
)

// Version is one side of a conflict: a record payload and its stamp.
type Version struct {
	Stamp   stamp.Stamp
	Payload json.RawMessage
}

// Resolution carries the winning side and its record.
type Resolution struct {
	Winner Winner
	Record Version
}

// Resolve picks the winning version by Last-Write-Wins.
//
// The higher clock wins; equal clocks fall back to the lexicographically
// greater (later) HLC. When the stamps are fully equal the remote side
// wins, which makes re-applying an already-applied change idempotent.
//
// The outcome is commutative: swapping which version is labeled local and
// which remote flips the Winner label but never the winning record.
func Resolve(local, remote Version) Resolution {
	if stamp.Compare(local.Stamp, remote.Stamp) > 0 {
		return Resolution{Winner: WinnerLocal, Record: local}
	}
	return Resolution{Winner: WinnerRemote, Record: remote}
}

// Genuine reports whether a resolution between these versions is a real
// conflict worth reporting: the stamps differ and the payloads are not
// byte-identical. Identical replays and no-op differences stay quiet.
func Genuine(local, remote Version) bool {
	if stamp.Compare(local.Stamp, remote.Stamp) == 0 {
		return false
	}
	return !bytes.Equal(local.Payload, remote.Payload)
}

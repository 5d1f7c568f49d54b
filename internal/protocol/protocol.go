// Package protocol defines the wire types for the external sync endpoints.
//
// The server contract is specified at the interface level only: a push
// endpoint accepting batches of pending operations with per-op results, a
// pull endpoint returning ordered changes plus the next cursor, and presign
// endpoints minting time-boxed storage URLs. internal/transport provides the
// HTTP implementation; tests substitute in-memory fakes.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/driftworks/driftsync/internal/stamp"
)

// Operation kinds carried on the wire.
const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Transfer directions.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// PushOp is one outgoing operation in a push batch.
type PushOp struct {
	TableName string          `json:"table_name"`
	PK        string          `json:"pk"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Stamp     stamp.Stamp     `json:"stamp"`
}

// PushRequest is the body of a push call.
type PushRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	DeviceID    string   `json:"device_id"`
	Ops         []PushOp `json:"ops"`
}

// PushResult is the server's per-op acknowledgment.
type PushResult struct {
	OpID  string `json:"op_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PushResponse is the body of a push response.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// SyncChange is one inbound change from the pull endpoint.
type SyncChange struct {
	ServerVersion int64           `json:"server_version"`
	TableName     string          `json:"table_name"`
	PK            string          `json:"pk"`
	Op            string          `json:"op"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Stamp         stamp.Stamp     `json:"stamp"`
}

// PullRequest is the body of a pull call.
type PullRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Cursor      int64  `json:"cursor"`
	Limit       int    `json:"limit,omitempty"`
}

// PullResponse is the body of a pull response. Changes is required: a
// response without a changes array is malformed and must be rejected
// without advancing the cursor.
type PullResponse struct {
	Changes    []SyncChange `json:"changes"`
	NextCursor int64        `json:"next_cursor"`
}

// PresignRequest asks the server to mint a time-boxed storage URL.
type PresignRequest struct {
	Hash        string `json:"hash"`
	WorkspaceID string `json:"workspace_id"`
	Direction   string `json:"direction"`
	ContentType string `json:"content_type,omitempty"`
	ExpirySecs  int64  `json:"expiry_secs,omitempty"`
}

// PresignResult is a minted URL. It is ephemeral and never persisted.
type PresignResult struct {
	URL       string            `json:"url"`
	StorageID string            `json:"storage_id,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Package wire defines the JSON request and response shapes exchanged
// between peers. Both the HTTP server and the peer client marshal through
// these types so the two sides cannot drift.
package wire

import (
	"time"

	"github.com/lanefield/teamsync/internal/store"
)

// PingResponse answers GET /ping.
type PingResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	ServerID string `json:"server_id"`
}

// ChangesResponse answers GET /changes.
type ChangesResponse struct {
	Changes   []*store.ChangeRecord `json:"changes"`
	Count     int                   `json:"count"`
	Timestamp time.Time             `json:"timestamp"`
}

// ReceiveChangesRequest is the body of POST /receive-changes.
type ReceiveChangesRequest struct {
	Changes   []*store.ChangeRecord `json:"changes"`
	ServerID  string                `json:"server_id"`
	Timestamp time.Time             `json:"timestamp"`
}

// ReceiveChangesResponse answers POST /receive-changes.
type ReceiveChangesResponse struct {
	Success      bool     `json:"success"`
	AppliedCount int      `json:"applied_count"`
	Errors       []string `json:"errors,omitempty"`
}

// ChecksumInfo is one entry in the GET /files/checksums listing.
type ChecksumInfo struct {
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// UploadResponse answers POST /files/upload.
type UploadResponse struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
}

// DeleteRequest is the body of POST /files/delete.
type DeleteRequest struct {
	Path       string `json:"path"`
	BaseFolder string `json:"base_folder"`
	ServerID   string `json:"server_id"`
}

// DeleteResponse answers POST /files/delete.
type DeleteResponse struct {
	Path string `json:"path"`
}

// ErrorResponse is the generic error body for non-2xx answers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse answers GET /status with an operator-facing summary.
type StatusResponse struct {
	ServerID       string               `json:"server_id"`
	Version        string               `json:"version"`
	PendingChanges int                  `json:"pending_changes"`
	Peers          []*store.Peer        `json:"peers"`
	RecentSessions []*store.SyncSession `json:"recent_sessions"`
}

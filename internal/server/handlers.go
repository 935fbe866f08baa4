package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lanefield/teamsync/internal/capture"
	"github.com/lanefield/teamsync/internal/filesync"
	"github.com/lanefield/teamsync/internal/wire"
)

// maxUploadBytes caps a single file upload.
const maxUploadBytes = 256 << 20

// handlePing answers the liveness check.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.PingResponse{
		Status:   "ok",
		Version:  Version,
		ServerID: s.config.ServerID,
	})
}

// handleChanges serves change records newer than a cutoff. Changes that
// originated from the requesting server are filtered out.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	sinceParam := r.URL.Query().Get("since")
	since, err := parseTimestamp(sinceParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since parameter: %v", err))
		return
	}
	requester := r.URL.Query().Get("server_id")

	changes, err := s.db.ChangesSince(r.Context(), since, requester)
	if err != nil {
		s.logger.Printf("Failed to query changes: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query changes")
		return
	}

	writeJSON(w, http.StatusOK, wire.ChangesResponse{
		Changes:   changes,
		Count:     len(changes),
		Timestamp: time.Now(),
	})
}

// handleReceiveChanges records pushed changes in the local log and applies
// them through the same idempotent apply path sessions use. Recording keeps
// the sender's origin and timestamp so the changes propagate onward to other
// peers. Capture is suppressed so replayed mutations are not logged as fresh
// local changes. Per-change apply failures are reported but do not fail the
// request (partial success).
func (s *Server) handleReceiveChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req wire.ReceiveChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.db.RecordForeignChanges(r.Context(), s.config.ServerID, req.Changes); err != nil {
		s.logger.Printf("Failed to record changes from %s: %v", req.ServerID, err)
		writeError(w, http.StatusInternalServerError, "failed to record changes")
		return
	}

	applied := s.manager.ApplyChanges(capture.WithSuppression(r.Context()), req.Changes)

	resp := wire.ReceiveChangesResponse{
		Success:      true,
		AppliedCount: applied,
	}
	if applied < len(req.Changes) {
		resp.Errors = []string{fmt.Sprintf("%d of %d changes skipped", len(req.Changes)-applied, len(req.Changes))}
	}

	s.Broadcast(EventChangesApplied, map[string]interface{}{
		"from":    req.ServerID,
		"applied": applied,
		"total":   len(req.Changes),
	})

	writeJSON(w, http.StatusOK, resp)
}

// handleChecksums enumerates trackable files in a base folder. Excluded
// files are filtered before they ever appear in the listing.
func (s *Server) handleChecksums(w http.ResponseWriter, r *http.Request) {
	baseFolder := r.URL.Query().Get("path")
	dir, ok := s.applier.BaseDir(baseFolder)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown base folder %q", baseFolder))
		return
	}

	snapshot, err := filesync.SnapshotDir(dir, s.applier.Rules())
	if err != nil {
		s.logger.Printf("Failed to snapshot %s: %v", baseFolder, err)
		writeError(w, http.StatusInternalServerError, "failed to enumerate files")
		return
	}

	out := make(map[string]wire.ChecksumInfo, len(snapshot))
	for rel, state := range snapshot {
		out[rel] = wire.ChecksumInfo{
			Checksum: state.Checksum,
			Size:     state.Size,
			Modified: state.ModifiedTime,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpload accepts file bytes from a peer. Excluded paths are rejected
// with 403 before any I/O; conflicts with a locally edited copy are resolved
// by the applier (timestamped backup within the near-simultaneous window).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	relPath := r.FormValue("path")
	baseFolder := r.FormValue("base_folder")
	modified, _ := parseTimestampLenient(r.FormValue("modified"))

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file content")
		return
	}

	result, err := s.applier.Apply(baseFolder, relPath, data, modified)
	if err != nil {
		if errors.Is(err, filesync.ErrExcludedPath) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		s.logger.Printf("Failed to apply upload %s/%s: %v", baseFolder, relPath, err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	if result.Applied {
		s.Broadcast(EventFileReceived, map[string]string{
			"base_folder": baseFolder,
			"path":        result.Path,
			"checksum":    result.Checksum,
		})
	}

	writeJSON(w, http.StatusOK, wire.UploadResponse{Path: result.Path, Checksum: result.Checksum})
}

// handleDownload streams a file's bytes to a peer. Excluded paths answer
// 403, missing files 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	baseFolder := r.URL.Query().Get("base_folder")

	f, err := s.applier.Open(baseFolder, relPath)
	if err != nil {
		switch {
		case errors.Is(err, filesync.ErrExcludedPath):
			writeError(w, http.StatusForbidden, err.Error())
		case os.IsNotExist(err):
			writeError(w, http.StatusNotFound, "file not found")
		default:
			s.logger.Printf("Failed to open %s/%s: %v", baseFolder, relPath, err)
			writeError(w, http.StatusInternalServerError, "failed to open file")
		}
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Printf("Failed to stream %s/%s: %v", baseFolder, relPath, err)
	}
}

// handleDelete removes a file on behalf of a peer. Excluded paths answer
// 403, missing files 404.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req wire.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.applier.Delete(req.BaseFolder, req.Path); err != nil {
		switch {
		case errors.Is(err, filesync.ErrExcludedPath):
			writeError(w, http.StatusForbidden, err.Error())
		case os.IsNotExist(err):
			writeError(w, http.StatusNotFound, "file not found")
		default:
			s.logger.Printf("Failed to delete %s/%s: %v", req.BaseFolder, req.Path, err)
			writeError(w, http.StatusInternalServerError, "failed to delete file")
		}
		return
	}

	s.Broadcast(EventFileDeleted, map[string]string{
		"base_folder": req.BaseFolder,
		"path":        req.Path,
		"from":        req.ServerID,
	})

	writeJSON(w, http.StatusOK, wire.DeleteResponse{Path: req.Path})
}

// handleStatus serves the operator summary used by the status CLI command.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := s.db.PendingChangeCount(ctx)
	if err != nil {
		s.logger.Printf("Failed to count pending changes: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}

	peers, err := s.db.ListPeers(ctx)
	if err != nil {
		s.logger.Printf("Failed to list peers: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}

	sessions, err := s.db.RecentSessions(ctx, 10)
	if err != nil {
		s.logger.Printf("Failed to list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}

	writeJSON(w, http.StatusOK, wire.StatusResponse{
		ServerID:       s.config.ServerID,
		Version:        Version,
		PendingChanges: pending,
		Peers:          peers,
		RecentSessions: sessions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorResponse{Error: msg})
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return parseTimestampLenient(s)
}

func parseTimestampLenient(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

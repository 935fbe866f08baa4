package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session status values. Terminal states are final: a finished session is
// never reopened, a retry is always a fresh session row.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// Session types.
const (
	SessionTypeDatabase = "database"
	SessionTypeFiles    = "files"
)

// Session directions.
const (
	DirectionPush          = "push"
	DirectionPull          = "pull"
	DirectionBidirectional = "bidirectional"
)

// SyncSession is the log record of one sync attempt with one peer.
type SyncSession struct {
	ID           string     `json:"id"`
	PeerID       string     `json:"peer_id"`
	Type         string     `json:"type"`
	Direction    string     `json:"direction"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ItemsSynced  int        `json:"items_synced"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// StartSession creates a new session row in in_progress state and returns it.
func (db *DB) StartSession(ctx context.Context, peerID, typ, direction string) (*SyncSession, error) {
	s := &SyncSession{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Type:      typ,
		Direction: direction,
		Status:    SessionInProgress,
		StartedAt: time.Now(),
	}

	query := `
	INSERT INTO sync_sessions (id, peer_id, type, direction, status, started_at, items_synced)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`
	_, err := db.conn.ExecContext(ctx, query,
		s.ID, s.PeerID, s.Type, s.Direction, s.Status,
		formatColumnTime(s.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// FinalizeSession marks a session terminal exactly once. A session already in
// a terminal state is left untouched.
func (db *DB) FinalizeSession(ctx context.Context, id, status string, itemsSynced int, errMsg string) error {
	if status != SessionCompleted && status != SessionFailed {
		return fmt.Errorf("invalid terminal session status %q", status)
	}

	query := `
	UPDATE sync_sessions
	SET status = ?, completed_at = ?, items_synced = ?, error_message = ?
	WHERE id = ? AND status IN (?, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		status, formatColumnTime(time.Now()), itemsSynced, errMsg,
		id, SessionPending, SessionInProgress)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", id, err)
	}
	return nil
}

// RecentSessions returns the most recent sessions, newest first.
func (db *DB) RecentSessions(ctx context.Context, limit int) ([]*SyncSession, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, peer_id, type, direction, status, started_at, completed_at, items_synced, error_message
	FROM sync_sessions
	ORDER BY started_at DESC
	LIMIT ?
	`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SyncSession
	for rows.Next() {
		var s SyncSession
		var startedAt string
		var completedAt, errMsg sql.NullString

		err := rows.Scan(&s.ID, &s.PeerID, &s.Type, &s.Direction, &s.Status,
			&startedAt, &completedAt, &s.ItemsSynced, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		t, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse session start time: %w", err)
		}
		s.StartedAt = t
		s.CompletedAt = nullStringToTime(completedAt)
		if errMsg.Valid {
			s.ErrorMessage = errMsg.String
		}

		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// GetSession retrieves a single session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*SyncSession, error) {
	query := `
	SELECT id, peer_id, type, direction, status, started_at, completed_at, items_synced, error_message
	FROM sync_sessions
	WHERE id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, id)

	var s SyncSession
	var startedAt string
	var completedAt, errMsg sql.NullString

	err := row.Scan(&s.ID, &s.PeerID, &s.Type, &s.Direction, &s.Status,
		&startedAt, &completedAt, &s.ItemsSynced, &errMsg)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session start time: %w", err)
	}
	s.StartedAt = t
	s.CompletedAt = nullStringToTime(completedAt)
	if errMsg.Valid {
		s.ErrorMessage = errMsg.String
	}

	return &s, nil
}

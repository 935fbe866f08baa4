package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation identifies the kind of mutation a change record captures.
type Operation string

const (
	OpInsert     Operation = "insert"
	OpUpdate     Operation = "update"
	OpSoftDelete Operation = "soft_delete"
	OpDelete     Operation = "delete"
	OpReactivate Operation = "reactivate"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpSoftDelete, OpDelete, OpReactivate:
		return true
	}
	return false
}

// Sync status values for change records and checksum entries.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// ChangeRecord is one captured mutation, ready for replication.
//
// Records are append-only: once written, only SyncStatus is ever mutated.
// The full change log doubles as an audit trail and is never pruned by the
// engine itself.
type ChangeRecord struct {
	ID       int64     `json:"-"`
	Table    string    `json:"table"`
	RecordID string    `json:"record_id"`
	Op       Operation `json:"operation"`
	// Payload is the full field snapshot: the new state for
	// insert/update/reactivate, the pre-delete state for delete.
	Payload    json.RawMessage `json:"-"`
	Timestamp  time.Time       `json:"-"`
	SyncStatus string          `json:"sync_status"`
	Origin     string          `json:"created_by_server"`
}

// Key returns the conflict grouping key for this record.
func (c *ChangeRecord) Key() string {
	return c.Table + "\x00" + c.RecordID
}

// wireChange is the JSON shape exchanged between peers.
type wireChange struct {
	Table      string          `json:"table"`
	RecordID   string          `json:"record_id"`
	Operation  Operation       `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	OldData    json.RawMessage `json:"old_data,omitempty"`
	Timestamp  string          `json:"timestamp"`
	SyncStatus string          `json:"sync_status"`
	Origin     string          `json:"created_by_server"`
}

// MarshalJSON renders the record in the peer wire format: the snapshot
// travels as "data", except for hard deletes where it is the pre-delete
// state and travels as "old_data".
func (c *ChangeRecord) MarshalJSON() ([]byte, error) {
	w := wireChange{
		Table:      c.Table,
		RecordID:   c.RecordID,
		Operation:  c.Op,
		Timestamp:  c.Timestamp.Format(time.RFC3339Nano),
		SyncStatus: c.SyncStatus,
		Origin:     c.Origin,
	}
	if c.Op == OpDelete {
		w.OldData = c.Payload
	} else {
		w.Data = c.Payload
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the peer wire format.
func (c *ChangeRecord) UnmarshalJSON(data []byte) error {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		// Tolerate second-precision timestamps from older peers
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return fmt.Errorf("invalid change timestamp %q: %w", w.Timestamp, err)
		}
	}

	c.Table = w.Table
	c.RecordID = w.RecordID
	c.Op = w.Operation
	c.Timestamp = ts
	c.SyncStatus = w.SyncStatus
	c.Origin = w.Origin
	if w.Data != nil {
		c.Payload = w.Data
	} else {
		c.Payload = w.OldData
	}
	return nil
}

// Validate checks that the record is well-formed enough to persist.
func (c *ChangeRecord) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if !c.Op.Valid() {
		return fmt.Errorf("unknown operation %q", c.Op)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin_server_id is required")
	}
	return nil
}

// InsertChange appends a change record to the log.
func (db *DB) InsertChange(ctx context.Context, c *ChangeRecord) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid change record: %w", err)
	}
	if c.SyncStatus == "" {
		c.SyncStatus = StatusPending
	}

	query := `
	INSERT INTO change_log (tbl, record_id, operation, payload, timestamp, sync_status, origin_server_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.conn.ExecContext(ctx, query,
		c.Table,
		c.RecordID,
		string(c.Op),
		nullPayload(c.Payload),
		formatColumnTime(c.Timestamp),
		c.SyncStatus,
		c.Origin,
	)
	if err != nil {
		return fmt.Errorf("failed to insert change record: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

// RecordForeignChanges appends change records received from a peer to the
// log so they can propagate onward to other peers. Records keep their
// original origin and timestamp and are stored synced: they are the origin's
// pending work, not ours. A record already present with the same key,
// operation, origin, and timestamp is skipped, so session replays never
// duplicate log rows. Records originated by selfID are skipped too; a change
// that circles back home is already in the log.
func (db *DB) RecordForeignChanges(ctx context.Context, selfID string, changes []*ChangeRecord) error {
	query := `
	INSERT INTO change_log (tbl, record_id, operation, payload, timestamp, sync_status, origin_server_id)
	SELECT ?, ?, ?, ?, ?, ?, ?
	WHERE NOT EXISTS (
		SELECT 1 FROM change_log
		WHERE tbl = ? AND record_id = ? AND operation = ? AND timestamp = ? AND origin_server_id = ?
	)
	`
	for _, c := range changes {
		if c.Origin == selfID || c.Validate() != nil {
			continue
		}
		ts := formatColumnTime(c.Timestamp)
		_, err := db.conn.ExecContext(ctx, query,
			c.Table, c.RecordID, string(c.Op), nullPayload(c.Payload), ts, StatusSynced, c.Origin,
			c.Table, c.RecordID, string(c.Op), ts, c.Origin)
		if err != nil {
			return fmt.Errorf("failed to record change from %s: %w", c.Origin, err)
		}
	}
	return nil
}

// PendingChangesSince returns local-origin change records newer than the
// cutoff that have not yet been marked synced, oldest first.
func (db *DB) PendingChangesSince(ctx context.Context, origin string, cutoff time.Time) ([]*ChangeRecord, error) {
	query := `
	SELECT id, tbl, record_id, operation, payload, timestamp, sync_status, origin_server_id
	FROM change_log
	WHERE sync_status = ? AND origin_server_id = ? AND timestamp > ?
	ORDER BY timestamp ASC, id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query,
		StatusPending, origin, formatColumnTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

// ChangesSince returns all change records newer than the cutoff regardless of
// sync status, oldest first. Records originated by requestingServer are
// filtered out so a peer never receives its own changes back.
func (db *DB) ChangesSince(ctx context.Context, cutoff time.Time, requestingServer string) ([]*ChangeRecord, error) {
	query := `
	SELECT id, tbl, record_id, operation, payload, timestamp, sync_status, origin_server_id
	FROM change_log
	WHERE timestamp > ? AND origin_server_id != ?
	ORDER BY timestamp ASC, id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query,
		formatColumnTime(cutoff), requestingServer)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

// MarkChangesSynced flips the listed change records to synced status.
// This is the only post-creation mutation a change record receives.
func (db *DB) MarkChangesSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := "UPDATE change_log SET sync_status = '" + StatusSynced + "' WHERE id IN (" +
		strings.Join(placeholders, ", ") + ")"

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark changes synced: %w", err)
	}
	return nil
}

// PendingChangeCount returns the number of unsynced change records.
func (db *DB) PendingChangeCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_log WHERE sync_status = ?", StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// ChangeCount returns the total number of change records in the log.
func (db *DB) ChangeCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_log").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return count, nil
}

// scanChanges is a helper to scan multiple change records from query results.
func scanChanges(rows *sql.Rows) ([]*ChangeRecord, error) {
	var changes []*ChangeRecord

	for rows.Next() {
		var c ChangeRecord
		var op, ts string
		var payload sql.NullString

		err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &op, &payload,
			&ts, &c.SyncStatus, &c.Origin)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}

		c.Op = Operation(op)
		if payload.Valid {
			c.Payload = json.RawMessage(payload.String)
		}

		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse change timestamp: %w", err)
		}
		c.Timestamp = t

		changes = append(changes, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// nullPayload converts an optional JSON payload to a nullable string.
func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(p), Valid: true}
}

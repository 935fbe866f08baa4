package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultHealthThreshold is the error count at which a peer stops being
// scheduled until a ping succeeds again.
const DefaultHealthThreshold = 5

// Peer is another running instance participating in synchronization.
type Peer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`

	// Per-category capability flags
	SyncDatabase      bool `json:"sync_database"`
	SyncConfigFiles   bool `json:"sync_config_files"`
	SyncInstanceFiles bool `json:"sync_instance_files"`
	SyncUploads       bool `json:"sync_uploads"`

	LastPingSuccess *time.Time `json:"last_ping_success,omitempty"`
	ErrorCount      int        `json:"error_count"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
}

// Healthy reports whether the peer's error count is below the threshold.
// Only healthy, enabled peers are scheduled for sync sessions.
func (p *Peer) Healthy() bool {
	return p.ErrorCount < DefaultHealthThreshold
}

// BaseURL returns the peer's HTTP base URL.
func (p *Peer) BaseURL() string {
	proto := p.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, p.Host, p.Port)
}

// SyncsFiles reports whether any file category is enabled for this peer.
func (p *Peer) SyncsFiles() bool {
	return p.SyncConfigFiles || p.SyncInstanceFiles || p.SyncUploads
}

// SyncsFolder reports whether the peer accepts files for the given logical
// base folder.
func (p *Peer) SyncsFolder(baseFolder string) bool {
	switch baseFolder {
	case "config":
		return p.SyncConfigFiles
	case "instance":
		return p.SyncInstanceFiles
	case "uploads":
		return p.SyncUploads
	}
	return false
}

// AddPeer registers a new peer. A missing ID is generated.
func (db *DB) AddPeer(ctx context.Context, p *Peer) error {
	if p.Name == "" {
		return fmt.Errorf("peer name is required")
	}
	if p.Host == "" {
		return fmt.Errorf("peer host is required")
	}
	if p.Port <= 0 {
		return fmt.Errorf("peer port must be positive")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Protocol == "" {
		p.Protocol = "http"
	}

	query := `
	INSERT INTO peers (
		id, name, host, port, protocol, priority, enabled,
		sync_database, sync_config_files, sync_instance_files, sync_uploads,
		last_ping_success, error_count, last_sync_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.ID, p.Name, p.Host, p.Port, p.Protocol, p.Priority, boolToInt(p.Enabled),
		boolToInt(p.SyncDatabase), boolToInt(p.SyncConfigFiles),
		boolToInt(p.SyncInstanceFiles), boolToInt(p.SyncUploads),
		timeToNullString(p.LastPingSuccess), timeToNullString(p.LastSyncTime),
	)
	if err != nil {
		return fmt.Errorf("failed to add peer %s: %w", p.Name, err)
	}
	return nil
}

// RemovePeer deletes a peer from the registry.
// Returns nil if the peer doesn't exist (idempotent).
func (db *DB) RemovePeer(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM peers WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove peer %s: %w", id, err)
	}
	return nil
}

// GetPeer retrieves a peer by ID.
// Returns sql.ErrNoRows if the peer is not found.
func (db *DB) GetPeer(ctx context.Context, id string) (*Peer, error) {
	row := db.conn.QueryRowContext(ctx, peerSelect+" WHERE id = ?", id)
	return scanPeer(row)
}

// GetPeerByName retrieves a peer by its unique name.
func (db *DB) GetPeerByName(ctx context.Context, name string) (*Peer, error) {
	row := db.conn.QueryRowContext(ctx, peerSelect+" WHERE name = ?", name)
	return scanPeer(row)
}

// ListPeers returns all registered peers ordered by priority.
func (db *DB) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := db.conn.QueryContext(ctx, peerSelect+" ORDER BY priority ASC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating peers: %w", err)
	}
	return peers, nil
}

// SchedulablePeers returns enabled, healthy peers ordered by priority.
func (db *DB) SchedulablePeers(ctx context.Context) ([]*Peer, error) {
	peers, err := db.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Peer
	for _, p := range peers {
		if p.Enabled && p.Healthy() {
			out = append(out, p)
		}
	}
	return out, nil
}

// RecordPingSuccess resets the peer's error count and stamps the ping time.
func (db *DB) RecordPingSuccess(ctx context.Context, id string) error {
	query := `UPDATE peers SET error_count = 0, last_ping_success = ? WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, query, formatColumnTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to record ping success for %s: %w", id, err)
	}
	return nil
}

// RecordPingFailure increments the peer's error count.
func (db *DB) RecordPingFailure(ctx context.Context, id string) error {
	query := `UPDATE peers SET error_count = error_count + 1 WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to record ping failure for %s: %w", id, err)
	}
	return nil
}

// UpdateLastSyncTime stamps the peer's last successful sync.
func (db *DB) UpdateLastSyncTime(ctx context.Context, id string, t time.Time) error {
	query := `UPDATE peers SET last_sync_time = ? WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, formatColumnTime(t), id); err != nil {
		return fmt.Errorf("failed to update last sync time for %s: %w", id, err)
	}
	return nil
}

// SetPeerEnabled toggles whether the peer is scheduled.
func (db *DB) SetPeerEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE peers SET enabled = ? WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, boolToInt(enabled), id); err != nil {
		return fmt.Errorf("failed to set peer enabled for %s: %w", id, err)
	}
	return nil
}

const peerSelect = `
SELECT id, name, host, port, protocol, priority, enabled,
       sync_database, sync_config_files, sync_instance_files, sync_uploads,
       last_ping_success, error_count, last_sync_time
FROM peers`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row rowScanner) (*Peer, error) {
	var p Peer
	var enabled, syncDB, syncCfg, syncInst, syncUp int
	var lastPing, lastSync sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &p.Protocol, &p.Priority,
		&enabled, &syncDB, &syncCfg, &syncInst, &syncUp,
		&lastPing, &p.ErrorCount, &lastSync)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan peer: %w", err)
	}

	p.Enabled = enabled != 0
	p.SyncDatabase = syncDB != 0
	p.SyncConfigFiles = syncCfg != 0
	p.SyncInstanceFiles = syncInst != 0
	p.SyncUploads = syncUp != 0
	p.LastPingSuccess = nullStringToTime(lastPing)
	p.LastSyncTime = nullStringToTime(lastSync)

	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

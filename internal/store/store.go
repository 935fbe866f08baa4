// Package store provides the SQLite persistence layer for the teamsync engine.
//
// A single database file holds both the sync bookkeeping tables (change log,
// peer registry, session log, file checksums) and the replicated entity rows.
// The database runs in embedded mode with WAL so the capture writer, the sync
// manager, and the scheduler can read and write concurrently.
//
// Workflow:
//  1. Application mutations are captured into the change_log table
//  2. Sync sessions exchange change_log rows with peers over HTTP
//  3. Remote changes are applied through the entity table registry
//  4. File watchers record content checksums in file_checksums
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with teamsync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created. The caller MUST call
// Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Append-only record of captured mutations
	CREATE TABLE IF NOT EXISTS change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,  -- insert, update, soft_delete, delete, reactivate
		payload TEXT,             -- JSON field snapshot
		timestamp TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		origin_server_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'http',
		priority INTEGER NOT NULL DEFAULT 1,
		enabled INTEGER NOT NULL DEFAULT 1,
		sync_database INTEGER NOT NULL DEFAULT 1,
		sync_config_files INTEGER NOT NULL DEFAULT 1,
		sync_instance_files INTEGER NOT NULL DEFAULT 0,
		sync_uploads INTEGER NOT NULL DEFAULT 0,
		last_ping_success TEXT,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_sync_time TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		type TEXT NOT NULL,       -- database, files
		direction TEXT NOT NULL,  -- push, pull, bidirectional
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		items_synced INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS file_checksums (
		base_folder TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size INTEGER NOT NULL,
		modified_time TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (base_folder, relative_path)
	);

	-- Replicated entity rows, one generic document table per the registry
	CREATE TABLE IF NOT EXISTS entities (
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		data TEXT NOT NULL,       -- JSON document
		active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tbl, record_id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for the sync manager's hot queries
	CREATE INDEX IF NOT EXISTS idx_change_log_pending
	    ON change_log(sync_status, timestamp);
	CREATE INDEX IF NOT EXISTS idx_change_log_key
	    ON change_log(tbl, record_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_origin
	    ON change_log(origin_server_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sessions_peer
	    ON sync_sessions(peer_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_entities_tbl ON entities(tbl);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ServerID returns the unique identifier of this instance, generating and
// persisting one on first use.
func (db *DB) ServerID(ctx context.Context) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'server_id'").Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read server id: %w", err)
	}

	id = uuid.NewString()
	// A concurrent writer may have raced us; keep whichever landed first.
	if _, err := db.conn.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('server_id', ?) ON CONFLICT(key) DO NOTHING", id); err != nil {
		return "", fmt.Errorf("failed to persist server id: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'server_id'").Scan(&id); err != nil {
		return "", fmt.Errorf("failed to read server id: %w", err)
	}
	return id, nil
}

// columnTimeLayout is the layout for timestamp columns. The change-log and
// session queries compare these strings lexicographically, so the layout must
// be fixed-width; RFC3339Nano trims trailing fractional zeros, which makes
// "…00.51Z" sort below "…00.5Z".
const columnTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatColumnTime renders t for a timestamp column, normalized to UTC so the
// offset suffix is always "Z".
func formatColumnTime(t time.Time) string {
	return t.UTC().Format(columnTimeLayout)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatColumnTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

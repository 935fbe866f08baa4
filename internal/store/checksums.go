package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FileChecksumEntry is the last known state of one synced file.
type FileChecksumEntry struct {
	BaseFolder   string    `json:"base_folder"`
	RelativePath string    `json:"relative_path"`
	Checksum     string    `json:"checksum"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified"`
	SyncStatus   string    `json:"sync_status"`
}

// GetChecksum retrieves the stored checksum entry for a path.
// Returns sql.ErrNoRows if the path has never been tracked.
func (db *DB) GetChecksum(ctx context.Context, baseFolder, relPath string) (*FileChecksumEntry, error) {
	query := `
	SELECT base_folder, relative_path, checksum, size, modified_time, sync_status
	FROM file_checksums
	WHERE base_folder = ? AND relative_path = ?
	`
	row := db.conn.QueryRowContext(ctx, query, baseFolder, relPath)

	var e FileChecksumEntry
	var modified string
	if err := row.Scan(&e.BaseFolder, &e.RelativePath, &e.Checksum, &e.Size, &modified, &e.SyncStatus); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, modified)
	if err != nil {
		return nil, fmt.Errorf("failed to parse modified time: %w", err)
	}
	e.ModifiedTime = t
	return &e, nil
}

// UpsertChecksum records the current state of a file. Callers are expected to
// compare against the stored checksum first; the entry is meant to change
// only when content actually changed.
func (db *DB) UpsertChecksum(ctx context.Context, e *FileChecksumEntry) error {
	if e.BaseFolder == "" || e.RelativePath == "" {
		return fmt.Errorf("base folder and relative path are required")
	}
	if e.SyncStatus == "" {
		e.SyncStatus = StatusPending
	}

	query := `
	INSERT INTO file_checksums (base_folder, relative_path, checksum, size, modified_time, sync_status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(base_folder, relative_path) DO UPDATE SET
		checksum = excluded.checksum,
		size = excluded.size,
		modified_time = excluded.modified_time,
		sync_status = excluded.sync_status
	`
	_, err := db.conn.ExecContext(ctx, query,
		e.BaseFolder, e.RelativePath, e.Checksum, e.Size,
		formatColumnTime(e.ModifiedTime), e.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert checksum for %s/%s: %w", e.BaseFolder, e.RelativePath, err)
	}
	return nil
}

// DeleteChecksum removes the tracking entry for a path.
// Returns nil if the entry doesn't exist (idempotent).
func (db *DB) DeleteChecksum(ctx context.Context, baseFolder, relPath string) error {
	query := `DELETE FROM file_checksums WHERE base_folder = ? AND relative_path = ?`
	if _, err := db.conn.ExecContext(ctx, query, baseFolder, relPath); err != nil {
		return fmt.Errorf("failed to delete checksum for %s/%s: %w", baseFolder, relPath, err)
	}
	return nil
}

// MarkChecksumSynced flips a checksum entry to synced status.
func (db *DB) MarkChecksumSynced(ctx context.Context, baseFolder, relPath string) error {
	query := `UPDATE file_checksums SET sync_status = ? WHERE base_folder = ? AND relative_path = ?`
	if _, err := db.conn.ExecContext(ctx, query, StatusSynced, baseFolder, relPath); err != nil {
		return fmt.Errorf("failed to mark checksum synced for %s/%s: %w", baseFolder, relPath, err)
	}
	return nil
}

// ListChecksums returns all tracked entries for a base folder.
func (db *DB) ListChecksums(ctx context.Context, baseFolder string) ([]*FileChecksumEntry, error) {
	query := `
	SELECT base_folder, relative_path, checksum, size, modified_time, sync_status
	FROM file_checksums
	WHERE base_folder = ?
	ORDER BY relative_path ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, baseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list checksums: %w", err)
	}
	defer rows.Close()

	var entries []*FileChecksumEntry
	for rows.Next() {
		var e FileChecksumEntry
		var modified string
		if err := rows.Scan(&e.BaseFolder, &e.RelativePath, &e.Checksum, &e.Size, &modified, &e.SyncStatus); err != nil {
			return nil, fmt.Errorf("failed to scan checksum entry: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, modified)
		if err != nil {
			return nil, fmt.Errorf("failed to parse modified time: %w", err)
		}
		e.ModifiedTime = t
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checksums: %w", err)
	}
	return entries, nil
}

// IsTracked reports whether a path has a checksum entry.
func (db *DB) IsTracked(ctx context.Context, baseFolder, relPath string) (bool, error) {
	_, err := db.GetChecksum(ctx, baseFolder, relPath)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

package filesync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileState is the observed state of one file on disk.
type FileState struct {
	RelativePath string
	Checksum     string
	Size         int64
	ModifiedTime time.Time
}

// ChecksumFile computes the SHA-256 content hash of a file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the SHA-256 hash of in-memory content.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StatFile returns the full observed state of a file under a base directory.
func StatFile(baseDir, relPath string) (*FileState, error) {
	abs := filepath.Join(baseDir, relPath)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	sum, err := ChecksumFile(abs)
	if err != nil {
		return nil, err
	}

	return &FileState{
		RelativePath: filepath.ToSlash(relPath),
		Checksum:     sum,
		Size:         info.Size(),
		ModifiedTime: info.ModTime(),
	}, nil
}

// SnapshotDir walks a base directory and returns the state of every
// includable file, keyed by slash-separated relative path. Excluded files
// are filtered here so peers never even see them in checksum listings.
func SnapshotDir(baseDir string, rules *Rules) (map[string]*FileState, error) {
	out := make(map[string]*FileState)

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rules.Excluded(rel) {
			return nil
		}

		state, err := StatFile(baseDir, rel)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // raced with a delete
			}
			return err
		}
		out[rel] = state
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to snapshot %s: %w", baseDir, err)
	}

	return out, nil
}

package filesync

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// DefaultConflictWindow is the modification-time gap under which two edits
// count as near-simultaneous and the local version is preserved as a backup.
const DefaultConflictWindow = 10 * time.Second

// ApplyResult describes the outcome of applying an incoming file.
type ApplyResult struct {
	// Path is the slash-separated relative path that was targeted.
	Path string
	// Checksum is the content hash now on disk.
	Checksum string
	// Applied is false when the incoming copy was stale and the local file
	// was kept untouched.
	Applied bool
	// BackupPath is set when a near-simultaneous conflict caused the local
	// version to be renamed aside before accepting the incoming one.
	BackupPath string
}

// Applier writes incoming files from peers into the local base folders,
// resolving conflicts between concurrent edits.
type Applier struct {
	folders        map[string]string
	rules          *Rules
	conflictWindow time.Duration
	logger         *log.Logger
}

// NewApplier creates an Applier over the configured base folders.
func NewApplier(folders map[string]string, rules *Rules, conflictWindow time.Duration, logger *log.Logger) *Applier {
	if rules == nil {
		rules = NewRules(nil)
	}
	if conflictWindow <= 0 {
		conflictWindow = DefaultConflictWindow
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[filesync] ", log.LstdFlags)
	}
	return &Applier{
		folders:        folders,
		rules:          rules,
		conflictWindow: conflictWindow,
		logger:         logger,
	}
}

// Resolve validates a path for any operation and returns its absolute
// location. Excluded paths are rejected here, before any I/O.
func (a *Applier) Resolve(baseFolder, relPath string) (string, error) {
	dir, ok := a.folders[baseFolder]
	if !ok {
		return "", fmt.Errorf("unknown base folder %q", baseFolder)
	}
	if err := a.rules.CheckPath(relPath); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(relPath)), nil
}

// Apply writes an incoming file, resolving conflicts with the local copy.
//
// If the local content matches the incoming checksum, nothing is written.
// If both sides were edited within the conflict window, the local file is
// renamed to a timestamped backup and the incoming version is accepted.
// Outside the window, whichever side is strictly newer wins: a stale
// incoming copy is rejected without touching the local file.
func (a *Applier) Apply(baseFolder, relPath string, data []byte, remoteModTime time.Time) (*ApplyResult, error) {
	abs, err := a.Resolve(baseFolder, relPath)
	if err != nil {
		return nil, err
	}

	incomingSum := ChecksumBytes(data)
	result := &ApplyResult{Path: filepath.ToSlash(relPath), Checksum: incomingSum, Applied: true}

	info, statErr := os.Stat(abs)
	if statErr == nil {
		localSum, err := ChecksumFile(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum local %s: %w", relPath, err)
		}

		if localSum == incomingSum {
			// Same content already present.
			result.Applied = false
			return result, nil
		}

		localMod := info.ModTime()
		gap := localMod.Sub(remoteModTime)
		if gap < 0 {
			gap = -gap
		}

		switch {
		case gap <= a.conflictWindow:
			// Near-simultaneous edits: keep the local version aside.
			backup := fmt.Sprintf("%s.conflict-%s", abs, time.Now().Format("20060102T150405"))
			if err := os.Rename(abs, backup); err != nil {
				return nil, fmt.Errorf("failed to back up %s: %w", relPath, err)
			}
			result.BackupPath = backup
			a.logger.Printf("Conflict on %s/%s: local copy backed up to %s", baseFolder, relPath, filepath.Base(backup))

		case localMod.After(remoteModTime):
			// Local is strictly newer; reject the stale incoming copy.
			result.Applied = false
			result.Checksum = localSum
			a.logger.Printf("Rejected stale incoming %s/%s (local newer by %s)", baseFolder, relPath, gap)
			return result, nil
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to stat %s: %w", relPath, statErr)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories for %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if !remoteModTime.IsZero() {
		_ = os.Chtimes(abs, remoteModTime, remoteModTime)
	}

	return result, nil
}

// Delete removes a file. Excluded paths are rejected; a missing file returns
// os.ErrNotExist so the caller can answer 404.
func (a *Applier) Delete(baseFolder, relPath string) error {
	abs, err := a.Resolve(baseFolder, relPath)
	if err != nil {
		return err
	}

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}
	return nil
}

// Open returns a handle to a local file for download. Excluded paths are
// rejected before the filesystem is touched.
func (a *Applier) Open(baseFolder, relPath string) (*os.File, error) {
	abs, err := a.Resolve(baseFolder, relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// BaseDir returns the absolute directory of a logical base folder.
func (a *Applier) BaseDir(baseFolder string) (string, bool) {
	dir, ok := a.folders[baseFolder]
	return dir, ok
}

// Rules exposes the applier's exclusion rules.
func (a *Applier) Rules() *Rules {
	return a.rules
}

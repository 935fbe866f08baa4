// Package filesync provides file change detection, transfer conflict
// handling, and bounded retry for the teamsync engine.
//
// Designated base folders (config, instance, uploads) are watched for
// content changes. The primary data store's own files, journals, and lock
// files are excluded from every operation: they are never uploaded,
// downloaded, or deleted through the sync surface.
package filesync

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrExcludedPath is returned when an operation targets a path matching the
// exclusion rules. Excluded paths are rejected before any I/O, on upload,
// download, and delete alike.
var ErrExcludedPath = errors.New("path matches exclusion rules")

// DefaultExcludePatterns are glob patterns for files that must never be
// transferred: data store files, write-ahead/journal files, lock files, and
// editor/OS droppings.
var DefaultExcludePatterns = []string{
	"*.db",
	"*.db-wal",
	"*.db-shm",
	"*.sqlite",
	"*.sqlite3",
	"*-journal",
	"*.lock",
	"*.tmp",
	"*.swp",
	".DS_Store",
}

// Rules decides which files participate in sync.
type Rules struct {
	patterns []string
}

// NewRules builds a rule set. With no patterns the defaults apply.
func NewRules(patterns []string) *Rules {
	if len(patterns) == 0 {
		patterns = DefaultExcludePatterns
	}
	return &Rules{patterns: patterns}
}

// Excluded reports whether any component of the path matches an exclusion
// pattern. Matching is by base name so nested paths are caught too.
func (r *Rules) Excluded(path string) bool {
	base := filepath.Base(filepath.ToSlash(path))
	for _, pat := range r.patterns {
		if ok, err := filepath.Match(pat, base); err == nil && ok {
			return true
		}
	}
	return false
}

// CheckPath validates a relative path for any sync operation. It rejects
// excluded files and path traversal outside the base folder.
func (r *Rules) CheckPath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("empty path")
	}
	clean := filepath.ToSlash(filepath.Clean(relPath))
	if strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(relPath) {
		return fmt.Errorf("path escapes base folder: %s", relPath)
	}
	if r.Excluded(clean) {
		return fmt.Errorf("%w: %s", ErrExcludedPath, relPath)
	}
	return nil
}

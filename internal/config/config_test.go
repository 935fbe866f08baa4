package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults verifies a missing config path yields a fully defaulted
// configuration.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 8530 {
		t.Errorf("Server.Port = %d, want 8530", cfg.Server.Port)
	}
	if cfg.Database.Path != "data/teamsync.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Sync.Interval = %s", cfg.Sync.Interval)
	}
	if cfg.Sync.FallbackWindow != 24*time.Hour {
		t.Errorf("Sync.FallbackWindow = %s", cfg.Sync.FallbackWindow)
	}
	if cfg.Files.DebounceWindow != 500*time.Millisecond {
		t.Errorf("Files.DebounceWindow = %s", cfg.Files.DebounceWindow)
	}
	if cfg.Retry.MaxAttempts != 10 {
		t.Errorf("Retry.MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Sync.TrackedTables) != 4 {
		t.Errorf("Sync.TrackedTables = %v", cfg.Sync.TrackedTables)
	}

	folders := cfg.BaseFolders()
	for _, name := range []string{"config", "instance", "uploads"} {
		if folders[name] == "" {
			t.Errorf("BaseFolders() missing %s", name)
		}
	}
}

// TestLoadFile verifies file values override defaults while untouched keys
// keep theirs.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamsync.yaml")
	content := `
server:
  port: 9001
sync:
  interval: 1m
  tracked_tables:
    - teams
files:
  exclude_patterns:
    - "*.bak"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9001 {
		t.Errorf("Server.Port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("Sync.Interval = %s, want 1m", cfg.Sync.Interval)
	}
	if len(cfg.Sync.TrackedTables) != 1 || cfg.Sync.TrackedTables[0] != "teams" {
		t.Errorf("Sync.TrackedTables = %v", cfg.Sync.TrackedTables)
	}
	if len(cfg.Files.ExcludePatterns) != 1 || cfg.Files.ExcludePatterns[0] != "*.bak" {
		t.Errorf("Files.ExcludePatterns = %v", cfg.Files.ExcludePatterns)
	}

	// Defaults survive for untouched keys.
	if cfg.Retry.Cap != 15*time.Minute {
		t.Errorf("Retry.Cap = %s, want 15m", cfg.Retry.Cap)
	}
	if cfg.Database.Path != "data/teamsync.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

// TestLoadMissingFile verifies an explicit but absent config path errors.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() succeeded for missing file")
	}
}

package filesync

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanefield/teamsync/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func startTestTracker(t *testing.T) (*Tracker, string, *store.DB) {
	t.Helper()

	db := openTestDB(t)
	dir := t.TempDir()

	tracker, err := NewTracker(db, &TrackerConfig{
		BaseFolders:    map[string]string{"config": dir},
		DebounceWindow: 200 * time.Millisecond,
		Logger:         log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewTracker() failed: %v", err)
	}
	if err := tracker.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Stop() })

	return tracker, dir, db
}

// waitEvent blocks for the next confirmed event or fails the test.
func waitEvent(t *testing.T, tracker *Tracker, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-tracker.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// expectQuiet fails the test if any event arrives within the window.
func expectQuiet(t *testing.T, tracker *Tracker, window time.Duration) {
	t.Helper()
	select {
	case ev := <-tracker.Events():
		t.Fatalf("unexpected event: %s %s/%s", ev.Type, ev.BaseFolder, ev.RelativePath)
	case <-time.After(window):
	}
}

// TestTrackerCreateEvent verifies a new file produces one created event and
// a pending checksum entry.
func TestTrackerCreateEvent(t *testing.T) {
	tracker, dir, db := startTestTracker(t)

	if err := os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("a: 1"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	ev := waitEvent(t, tracker, 3*time.Second)
	if ev.Type != EventCreated {
		t.Errorf("Type = %q, want created", ev.Type)
	}
	if ev.BaseFolder != "config" || ev.RelativePath != "settings.yaml" {
		t.Errorf("event = %+v", ev)
	}

	entry, err := db.GetChecksum(context.Background(), "config", "settings.yaml")
	if err != nil {
		t.Fatalf("GetChecksum() failed: %v", err)
	}
	if entry.SyncStatus != store.StatusPending {
		t.Errorf("SyncStatus = %q, want pending", entry.SyncStatus)
	}
	if entry.Checksum != ChecksumBytes([]byte("a: 1")) {
		t.Errorf("Checksum = %s", entry.Checksum)
	}
}

// TestTrackerDebouncesBurst verifies rapid successive writes collapse into a
// single event.
func TestTrackerDebouncesBurst(t *testing.T) {
	tracker, dir, _ := startTestTracker(t)
	path := filepath.Join(dir, "settings.yaml")

	for i := 0; i < 10; i++ {
		if err := os.WriteFile(path, []byte("rev "+string(rune('a'+i))), 0644); err != nil {
			t.Fatalf("WriteFile(%d) failed: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := waitEvent(t, tracker, 3*time.Second)
	if ev.RelativePath != "settings.yaml" {
		t.Errorf("event path = %q", ev.RelativePath)
	}

	// The burst must not produce a second event.
	expectQuiet(t, tracker, 600*time.Millisecond)
}

// TestTrackerDiscardsUnchangedContent verifies a touch that does not change
// content emits nothing.
func TestTrackerDiscardsUnchangedContent(t *testing.T) {
	tracker, dir, _ := startTestTracker(t)
	path := filepath.Join(dir, "settings.yaml")

	if err := os.WriteFile(path, []byte("a: 1"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitEvent(t, tracker, 3*time.Second)

	// Rewrite identical content.
	if err := os.WriteFile(path, []byte("a: 1"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	expectQuiet(t, tracker, 600*time.Millisecond)
}

// TestTrackerModifyAndDelete verifies the full lifecycle of one path.
func TestTrackerModifyAndDelete(t *testing.T) {
	tracker, dir, db := startTestTracker(t)
	path := filepath.Join(dir, "settings.yaml")

	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if ev := waitEvent(t, tracker, 3*time.Second); ev.Type != EventCreated {
		t.Errorf("first event = %q, want created", ev.Type)
	}

	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if ev := waitEvent(t, tracker, 3*time.Second); ev.Type != EventModified {
		t.Errorf("second event = %q, want modified", ev.Type)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if ev := waitEvent(t, tracker, 3*time.Second); ev.Type != EventDeleted {
		t.Errorf("third event = %q, want deleted", ev.Type)
	}

	tracked, err := db.IsTracked(context.Background(), "config", "settings.yaml")
	if err != nil {
		t.Fatalf("IsTracked() failed: %v", err)
	}
	if tracked {
		t.Error("checksum entry survived deletion")
	}
}

// TestTrackerIgnoresExcluded verifies excluded files never produce events.
func TestTrackerIgnoresExcluded(t *testing.T) {
	tracker, dir, _ := startTestTracker(t)

	if err := os.WriteFile(filepath.Join(dir, "app.db"), []byte("binary"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.db-wal"), []byte("wal"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	expectQuiet(t, tracker, 600*time.Millisecond)
}

// TestTrackerWatchesNewSubdirectories verifies files in directories created
// after Start() are still seen.
func TestTrackerWatchesNewSubdirectories(t *testing.T) {
	tracker, dir, _ := startTestTracker(t)

	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	ev := waitEvent(t, tracker, 3*time.Second)
	if ev.RelativePath != "nested/notes.txt" {
		t.Errorf("event path = %q, want nested/notes.txt", ev.RelativePath)
	}
}

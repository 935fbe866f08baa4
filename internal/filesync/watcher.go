package filesync

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lanefield/teamsync/internal/store"
)

// EventType classifies a confirmed file change.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// Event is a debounced, checksum-verified file change ready for transfer.
type Event struct {
	// BaseFolder is the logical folder name (config, instance, uploads).
	BaseFolder string
	// RelativePath is the slash-separated path under the base folder.
	RelativePath string
	// Type is the confirmed change kind.
	Type EventType
}

// DefaultDebounceWindow is how long a path must stay quiet before its
// accumulated events collapse into a single transfer.
const DefaultDebounceWindow = 500 * time.Millisecond

// TrackerConfig configures the file change tracker.
type TrackerConfig struct {
	// BaseFolders maps logical folder names to absolute directories.
	BaseFolders map[string]string

	// DebounceWindow batches rapid successive writes together.
	DebounceWindow time.Duration

	// Rules filters which files are tracked.
	Rules *Rules

	// Logger for tracker activity.
	Logger *log.Logger
}

// pendingKey identifies one path in the debounce queue.
type pendingKey struct {
	folder string
	rel    string
}

type pendingChange struct {
	lastEvent time.Time
	deleted   bool
}

// Tracker watches base folders, verifies real content changes by checksum,
// and emits exactly one Event per burst of filesystem activity.
type Tracker struct {
	db      *store.DB
	config  *TrackerConfig
	watcher *fsnotify.Watcher
	logger  *log.Logger

	pending   map[pendingKey]*pendingChange
	pendingMu sync.Mutex

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker. Start() must be called before events flow.
func NewTracker(db *store.DB, config *TrackerConfig) (*Tracker, error) {
	if config == nil || len(config.BaseFolders) == 0 {
		return nil, fmt.Errorf("tracker requires at least one base folder")
	}
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = DefaultDebounceWindow
	}
	if config.Rules == nil {
		config.Rules = NewRules(nil)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		db:      db,
		config:  config,
		watcher: watcher,
		logger:  config.Logger,
		pending: make(map[pendingKey]*pendingChange),
		events:  make(chan Event, 256),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Events returns the channel of confirmed file changes.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Start registers the watch directories (recursively) and begins the watch
// and debounce-evaluation loops.
func (t *Tracker) Start() error {
	for name, dir := range t.config.BaseFolders {
		if err := t.watchRecursive(dir); err != nil {
			return fmt.Errorf("failed to watch %s folder %s: %w", name, dir, err)
		}
		t.logger.Printf("Watching %s: %s", name, dir)
	}

	t.wg.Add(2)
	go t.watchLoop()
	go t.evaluateLoop()

	return nil
}

// Stop shuts down the tracker and waits for its loops to exit.
func (t *Tracker) Stop() error {
	t.cancel()
	if err := t.watcher.Close(); err != nil {
		t.logger.Printf("Error closing watcher: %v", err)
	}
	t.wg.Wait()
	close(t.events)
	return nil
}

// watchRecursive adds a directory tree to the watcher.
func (t *Tracker) watchRecursive(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return t.watcher.Add(path)
		}
		return nil
	})
}

// watchLoop converts raw fsnotify events into debounce queue entries.
func (t *Tracker) watchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (t *Tracker) handleEvent(event fsnotify.Event) {
	// New directories get watched so nested changes are seen too.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := t.watcher.Add(event.Name); err != nil {
				t.logger.Printf("Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	folder, rel, ok := t.resolve(event.Name)
	if !ok {
		return
	}
	if t.config.Rules.Excluded(rel) {
		return
	}

	// A rename is a delete of the source path; the destination shows up as
	// its own create event.
	deleted := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	if !deleted && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return // chmod and friends
	}

	t.pendingMu.Lock()
	key := pendingKey{folder: folder, rel: rel}
	entry, exists := t.pending[key]
	if !exists {
		entry = &pendingChange{}
		t.pending[key] = entry
	}
	entry.lastEvent = time.Now()
	entry.deleted = deleted
	t.pendingMu.Unlock()
}

// resolve maps an absolute path to its logical base folder and relative path.
func (t *Tracker) resolve(path string) (folder, rel string, ok bool) {
	for name, dir := range t.config.BaseFolders {
		r, err := filepath.Rel(dir, path)
		if err != nil {
			continue
		}
		if r == "." || r == ".." || filepath.IsAbs(r) || len(r) >= 2 && r[:2] == ".." {
			continue
		}
		return name, filepath.ToSlash(r), true
	}
	return "", "", false
}

// evaluateLoop periodically flushes paths that have gone quiet.
func (t *Tracker) evaluateLoop() {
	defer t.wg.Done()

	interval := t.config.DebounceWindow / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.flushDue()
		}
	}
}

// flushDue confirms and emits changes whose debounce window has elapsed.
func (t *Tracker) flushDue() {
	now := time.Now()

	t.pendingMu.Lock()
	var due []pendingKey
	var deleted []bool
	for key, entry := range t.pending {
		if now.Sub(entry.lastEvent) < t.config.DebounceWindow {
			continue
		}
		due = append(due, key)
		deleted = append(deleted, entry.deleted)
		delete(t.pending, key)
	}
	t.pendingMu.Unlock()

	for i, key := range due {
		if deleted[i] {
			t.confirmDelete(key)
		} else {
			t.confirmChange(key)
		}
	}
}

// confirmChange checksums the file and emits an event only when the content
// actually differs from the last recorded state. Metadata-only touches and
// duplicate OS events are discarded here.
func (t *Tracker) confirmChange(key pendingKey) {
	baseDir := t.config.BaseFolders[key.folder]

	state, err := StatFile(baseDir, filepath.FromSlash(key.rel))
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between event and evaluation.
			t.confirmDelete(key)
			return
		}
		t.logger.Printf("Failed to stat %s/%s: %v", key.folder, key.rel, err)
		return
	}

	ctx := t.ctx
	prev, err := t.db.GetChecksum(ctx, key.folder, key.rel)
	eventType := EventModified
	switch {
	case err == sql.ErrNoRows:
		eventType = EventCreated
	case err != nil:
		t.logger.Printf("Failed to read checksum for %s/%s: %v", key.folder, key.rel, err)
		return
	case prev.Checksum == state.Checksum:
		return // content unchanged, discard
	}

	entry := &store.FileChecksumEntry{
		BaseFolder:   key.folder,
		RelativePath: key.rel,
		Checksum:     state.Checksum,
		Size:         state.Size,
		ModifiedTime: state.ModifiedTime,
		SyncStatus:   store.StatusPending,
	}
	if err := t.db.UpsertChecksum(ctx, entry); err != nil {
		t.logger.Printf("Failed to record checksum for %s/%s: %v", key.folder, key.rel, err)
		return
	}

	t.emit(Event{BaseFolder: key.folder, RelativePath: key.rel, Type: eventType})
}

// confirmDelete emits a deletion for paths that were previously tracked. The
// file is gone so there is nothing to checksum.
func (t *Tracker) confirmDelete(key pendingKey) {
	tracked, err := t.db.IsTracked(t.ctx, key.folder, key.rel)
	if err != nil {
		t.logger.Printf("Failed to check tracking for %s/%s: %v", key.folder, key.rel, err)
		return
	}
	if !tracked && t.config.Rules.Excluded(key.rel) {
		return
	}

	if tracked {
		if err := t.db.DeleteChecksum(t.ctx, key.folder, key.rel); err != nil {
			t.logger.Printf("Failed to drop checksum for %s/%s: %v", key.folder, key.rel, err)
		}
	}

	t.emit(Event{BaseFolder: key.folder, RelativePath: key.rel, Type: EventDeleted})
}

func (t *Tracker) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Printf("Event channel full, dropped %s %s/%s", ev.Type, ev.BaseFolder, ev.RelativePath)
	}
}

package filesync

import (
	"log"
	"os"
	"sync"
	"time"
)

// Retry queue defaults. Delay grows as base * 2^attempts up to the cap;
// entries are abandoned after too many attempts or too much age.
const (
	DefaultRetryBase    = 5 * time.Second
	DefaultRetryCap     = 15 * time.Minute
	DefaultMaxAttempts  = 10
	DefaultMaxRetryAge  = 24 * time.Hour
	DefaultScanInterval = 30 * time.Second
)

// RetryEntry is one pending file-sync retry. Entries live only in process
// memory: after a restart the next directory re-scan rediscovers unsynced
// files via checksum mismatch.
type RetryEntry struct {
	BaseFolder   string
	FilePath     string
	EventType    EventType
	TargetPeerID string

	LastError        string
	AttemptCount     int
	NextRetryTime    time.Time
	FirstFailureTime time.Time
}

// retryKey identifies a retry entry by file and target peer.
type retryKey struct {
	folder string
	path   string
	peerID string
}

// RetryQueueConfig bounds the retry behavior.
type RetryQueueConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	MaxAge      time.Duration
	Logger      *log.Logger
}

// RetryQueue holds failed file transfers with exponential backoff until
// success, abandonment, or expiry.
type RetryQueue struct {
	config RetryQueueConfig

	mu      sync.Mutex
	entries map[retryKey]*RetryEntry

	logger *log.Logger
}

// NewRetryQueue creates a retry queue with the given bounds; zero values get
// defaults.
func NewRetryQueue(config RetryQueueConfig) *RetryQueue {
	if config.Base <= 0 {
		config.Base = DefaultRetryBase
	}
	if config.Cap <= 0 {
		config.Cap = DefaultRetryCap
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxRetryAge
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}

	return &RetryQueue{
		config:  config,
		entries: make(map[retryKey]*RetryEntry),
		logger:  config.Logger,
	}
}

// RecordFailure creates or updates the retry entry for a failed transfer.
// The next retry time backs off as min(base * 2^attempts, cap).
func (q *RetryQueue) RecordFailure(baseFolder, filePath string, eventType EventType, peerID string, transferErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	key := retryKey{folder: baseFolder, path: filePath, peerID: peerID}

	entry, exists := q.entries[key]
	if !exists {
		entry = &RetryEntry{
			BaseFolder:       baseFolder,
			FilePath:         filePath,
			TargetPeerID:     peerID,
			FirstFailureTime: now,
		}
		q.entries[key] = entry
	}

	entry.EventType = eventType
	entry.AttemptCount++
	entry.LastError = transferErr.Error()

	delay := q.config.Base << uint(entry.AttemptCount)
	if delay > q.config.Cap || delay <= 0 {
		delay = q.config.Cap
	}
	entry.NextRetryTime = now.Add(delay)

	q.logger.Printf("Transfer failed for %s/%s -> peer %s (attempt %d, next retry in %s): %v",
		baseFolder, filePath, peerID, entry.AttemptCount, delay, transferErr)
}

// Resolve removes the entry for a transfer that finally succeeded.
func (q *RetryQueue) Resolve(baseFolder, filePath, peerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, retryKey{folder: baseFolder, path: filePath, peerID: peerID})
}

// Due returns entries whose retry time has arrived, after dropping entries
// that exceeded the attempt or age bounds. Abandoned entries are logged as
// permanent failures.
func (q *RetryQueue) Due(now time.Time) []*RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*RetryEntry
	for key, entry := range q.entries {
		if entry.AttemptCount > q.config.MaxAttempts ||
			now.Sub(entry.FirstFailureTime) > q.config.MaxAge {
			q.logger.Printf("Abandoning transfer %s/%s -> peer %s after %d attempts (first failure %s): %s",
				entry.BaseFolder, entry.FilePath, entry.TargetPeerID,
				entry.AttemptCount, entry.FirstFailureTime.Format(time.RFC3339), entry.LastError)
			delete(q.entries, key)
			continue
		}

		if !now.Before(entry.NextRetryTime) {
			copied := *entry
			due = append(due, &copied)
		}
	}
	return due
}

// Len returns the number of queued retries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Package scheduler runs the engine's long-lived background loops.
//
// One process hosts: a periodic sync loop issuing one session per enabled,
// healthy peer at a time (sequential, never parallel), a consumer fanning
// confirmed file changes out to file-capable peers, and a retry loop
// re-attempting failed transfers with backoff. All loops share one context
// and shut down together.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanefield/teamsync/internal/client"
	"github.com/lanefield/teamsync/internal/filesync"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/syncer"
)

// Defaults for the periodic loops.
const (
	DefaultSyncInterval = 5 * time.Minute
)

// Config holds scheduler configuration.
type Config struct {
	// ServerID identifies this instance to peers.
	ServerID string

	// SyncInterval is how often the sync loop runs sessions.
	SyncInterval time.Duration

	// RetryScanInterval is how often due retries are processed.
	RetryScanInterval time.Duration

	// HTTPTimeout bounds every peer call.
	HTTPTimeout time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// Scheduler orchestrates sync sessions, file transfers, and retries.
type Scheduler struct {
	db      *store.DB
	manager *syncer.Manager
	tracker *filesync.Tracker
	retries *filesync.RetryQueue
	applier *filesync.Applier
	config  *Config
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. The tracker may be nil when file sync is disabled.
func New(db *store.DB, manager *syncer.Manager, tracker *filesync.Tracker,
	retries *filesync.RetryQueue, applier *filesync.Applier, config *Config) *Scheduler {

	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.RetryScanInterval <= 0 {
		config.RetryScanInterval = filesync.DefaultScanInterval
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = client.DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		db:      db,
		manager: manager,
		tracker: tracker,
		retries: retries,
		applier: applier,
		config:  config,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.syncLoop()
	go s.retryLoop()

	if s.tracker != nil {
		s.wg.Add(1)
		go s.fileEventLoop()
	}
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// syncLoop periodically runs one sync cycle over all schedulable peers.
func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunSyncCycle(s.ctx)
		}
	}
}

// RunSyncCycle runs one database session against every enabled, healthy peer
// with the database category, sequentially in priority order. Session
// failures are logged; the cycle continues with the next peer.
func (s *Scheduler) RunSyncCycle(ctx context.Context) {
	peers, err := s.db.SchedulablePeers(ctx)
	if err != nil {
		s.logger.Printf("Failed to list schedulable peers: %v", err)
		return
	}

	for _, peer := range peers {
		if !peer.SyncDatabase {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		transport := client.New(peer, s.config.ServerID, s.config.HTTPTimeout)
		if _, err := s.manager.SyncPeer(ctx, peer, transport); err != nil {
			s.logger.Printf("Sync session with %s failed: %v", peer.Name, err)
		}
	}
}

// SyncPeerByName runs one session against a single named peer, for the
// one-shot CLI path.
func (s *Scheduler) SyncPeerByName(ctx context.Context, name string) (*store.SyncSession, error) {
	peer, err := s.db.GetPeerByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("unknown peer %q: %w", name, err)
	}

	transport := client.New(peer, s.config.ServerID, s.config.HTTPTimeout)
	return s.manager.SyncPeer(ctx, peer, transport)
}

// fileEventLoop fans confirmed file changes out to file-capable peers.
func (s *Scheduler) fileEventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.tracker.Events():
			if !ok {
				return
			}
			s.dispatchFileEvent(ev)
		}
	}
}

// dispatchFileEvent attempts the transfer against every peer that accepts
// the event's base folder. A failed attempt enters the retry queue.
func (s *Scheduler) dispatchFileEvent(ev filesync.Event) {
	peers, err := s.db.SchedulablePeers(s.ctx)
	if err != nil {
		s.logger.Printf("Failed to list peers for file event: %v", err)
		return
	}

	eligible, succeeded := 0, 0
	for _, peer := range peers {
		if !peer.SyncsFolder(ev.BaseFolder) {
			continue
		}
		eligible++

		if err := s.attemptTransfer(peer, ev.BaseFolder, ev.RelativePath, ev.Type); err != nil {
			if errors.Is(err, client.ErrRejected) {
				// Hard rejection: never retried.
				s.logger.Printf("Peer %s rejected %s/%s: %v", peer.Name, ev.BaseFolder, ev.RelativePath, err)
				continue
			}
			s.retries.RecordFailure(ev.BaseFolder, ev.RelativePath, ev.Type, peer.ID, err)
		} else {
			succeeded++
			s.retries.Resolve(ev.BaseFolder, ev.RelativePath, peer.ID)
		}
	}

	// The checksum entry stays pending while every transfer is still queued
	// for retry; a successful retry marks it later.
	if ev.Type != filesync.EventDeleted && (eligible == 0 || succeeded > 0) {
		if err := s.db.MarkChecksumSynced(s.ctx, ev.BaseFolder, ev.RelativePath); err != nil {
			s.logger.Printf("Failed to mark checksum synced for %s/%s: %v", ev.BaseFolder, ev.RelativePath, err)
		}
	}
}

// attemptTransfer performs one upload or deletion against one peer.
func (s *Scheduler) attemptTransfer(peer *store.Peer, baseFolder, relPath string, eventType filesync.EventType) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HTTPTimeout)
	defer cancel()

	cli := client.New(peer, s.config.ServerID, s.config.HTTPTimeout)

	if eventType == filesync.EventDeleted {
		return cli.DeleteFile(ctx, baseFolder, relPath)
	}

	dir, ok := s.applier.BaseDir(baseFolder)
	if !ok {
		return fmt.Errorf("unknown base folder %q", baseFolder)
	}
	localPath := filepath.Join(dir, filepath.FromSlash(relPath))

	_, err := cli.Upload(ctx, baseFolder, relPath, localPath)
	return err
}

// retryLoop periodically re-attempts due transfers.
func (s *Scheduler) retryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processRetries()
		}
	}
}

// processRetries re-attempts every due retry entry once.
func (s *Scheduler) processRetries() {
	due := s.retries.Due(time.Now())
	for _, entry := range due {
		peer, err := s.db.GetPeer(s.ctx, entry.TargetPeerID)
		if err != nil {
			// Peer was removed; drop the entry.
			s.retries.Resolve(entry.BaseFolder, entry.FilePath, entry.TargetPeerID)
			continue
		}

		err = s.attemptTransfer(peer, entry.BaseFolder, entry.FilePath, entry.EventType)
		if err != nil {
			if errors.Is(err, client.ErrRejected) {
				s.retries.Resolve(entry.BaseFolder, entry.FilePath, entry.TargetPeerID)
				s.logger.Printf("Peer %s rejected retried %s/%s, dropping", peer.Name, entry.BaseFolder, entry.FilePath)
				continue
			}
			s.retries.RecordFailure(entry.BaseFolder, entry.FilePath, entry.EventType, entry.TargetPeerID, err)
			continue
		}

		s.retries.Resolve(entry.BaseFolder, entry.FilePath, entry.TargetPeerID)
		if entry.EventType != filesync.EventDeleted {
			if err := s.db.MarkChecksumSynced(s.ctx, entry.BaseFolder, entry.FilePath); err != nil {
				s.logger.Printf("Failed to mark checksum synced for %s/%s: %v", entry.BaseFolder, entry.FilePath, err)
			}
		}
		s.logger.Printf("Retried transfer succeeded: %s/%s -> %s", entry.BaseFolder, entry.FilePath, peer.Name)
	}
}

// RetryQueueLen reports the current retry backlog, for status output.
func (s *Scheduler) RetryQueueLen() int {
	return s.retries.Len()
}

// Package syncer executes bidirectional sync sessions against peers.
//
// One session exchanges change-log records with one peer: local pending
// changes are pushed, the peer's changes since the last sync are pulled,
// conflicts are resolved last-write-wins at record granularity, and the
// winning remote changes are applied locally with capture suppressed.
//
// A session either completes or fails atomically from the orchestrator's
// perspective. Apply-side partial progress can persist across a failure,
// which the idempotent apply semantics make safe to re-run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lanefield/teamsync/internal/capture"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/wire"
)

// DefaultFallbackWindow bounds the first session with a never-synced peer.
const DefaultFallbackWindow = 24 * time.Hour

// Transport is the subset of the peer client a session needs. Tests and the
// receive endpoint substitute their own implementations.
type Transport interface {
	Ping(ctx context.Context) (*wire.PingResponse, error)
	PullChanges(ctx context.Context, since time.Time) ([]*store.ChangeRecord, error)
	PushChanges(ctx context.Context, changes []*store.ChangeRecord) (*wire.ReceiveChangesResponse, error)
}

// Notifier receives session lifecycle events, typically for the dashboard
// event feed. All methods must be non-blocking.
type Notifier interface {
	SessionFinished(session *store.SyncSession)
	ConflictResolved(c Conflict)
}

// noopNotifier is used when no event feed is attached.
type noopNotifier struct{}

func (noopNotifier) SessionFinished(*store.SyncSession) {}
func (noopNotifier) ConflictResolved(Conflict)          {}

// Manager runs sync sessions. It is safe for sequential use per process;
// the scheduler serializes sessions.
type Manager struct {
	db       *store.DB
	registry *store.TableRegistry
	serverID string
	fallback time.Duration
	notifier Notifier
	logger   *log.Logger
}

// Config configures a Manager.
type Config struct {
	// ServerID is this instance's identity; it scopes which change records
	// count as local.
	ServerID string

	// FallbackWindow is the pull window used for a peer that has never
	// completed a session (default 24h).
	FallbackWindow time.Duration

	// Notifier receives session events. Nil disables notifications.
	Notifier Notifier

	// Logger for session activity.
	Logger *log.Logger
}

// New creates a sync Manager.
func New(db *store.DB, registry *store.TableRegistry, config Config) *Manager {
	if config.FallbackWindow <= 0 {
		config.FallbackWindow = DefaultFallbackWindow
	}
	if config.Notifier == nil {
		config.Notifier = noopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}

	return &Manager{
		db:       db,
		registry: registry,
		serverID: config.ServerID,
		fallback: config.FallbackWindow,
		notifier: config.Notifier,
		logger:   config.Logger,
	}
}

// SetNotifier attaches an event sink after construction. The server and the
// manager reference each other, so one of them has to be wired second.
func (m *Manager) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	m.notifier = n
}

// SyncPeer executes one bidirectional database session with the peer over
// the given transport. The returned session is always finalized; the error
// reports why a failed session failed.
func (m *Manager) SyncPeer(ctx context.Context, peer *store.Peer, transport Transport) (*store.SyncSession, error) {
	session, err := m.db.StartSession(ctx, peer.ID, store.SessionTypeDatabase, store.DirectionBidirectional)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	sessionStart := session.StartedAt

	fail := func(cause error) (*store.SyncSession, error) {
		if ferr := m.db.FinalizeSession(ctx, session.ID, store.SessionFailed, 0, cause.Error()); ferr != nil {
			m.logger.Printf("Failed to finalize session %s: %v", session.ID, ferr)
		}
		session.Status = store.SessionFailed
		session.ErrorMessage = cause.Error()
		m.notifier.SessionFinished(session)
		return session, cause
	}

	// Step 1: liveness. A dead peer fails the session before any state
	// mutation; every local change stays pending for the next cycle.
	if _, err := transport.Ping(ctx); err != nil {
		if perr := m.db.RecordPingFailure(ctx, peer.ID); perr != nil {
			m.logger.Printf("Failed to record ping failure for %s: %v", peer.Name, perr)
		}
		return fail(fmt.Errorf("peer %s unreachable: %w", peer.Name, err))
	}
	if err := m.db.RecordPingSuccess(ctx, peer.ID); err != nil {
		m.logger.Printf("Failed to record ping success for %s: %v", peer.Name, err)
	}

	// Step 2: cutoff.
	cutoff := m.cutoffFor(peer)

	// Step 3: local pending changes.
	local, err := m.db.PendingChangesSince(ctx, m.serverID, cutoff)
	if err != nil {
		return fail(fmt.Errorf("failed to collect local changes: %w", err))
	}

	// Step 4: peer's changes since the same cutoff.
	remote, err := transport.PullChanges(ctx, cutoff)
	if err != nil {
		return fail(fmt.Errorf("failed to pull changes from %s: %w", peer.Name, err))
	}

	// Steps 5-6: conflict detection and last-write-wins resolution.
	toApply, conflicts := resolveConflicts(local, remote)
	for _, c := range conflicts {
		winner := "local"
		if c.RemoteWins {
			winner = "remote"
		}
		m.logger.Printf("Conflict on %s/%s resolved for %s copy (local %s, remote %s)",
			c.Table, c.RecordID, winner, c.LocalTime, c.RemoteTime)
		m.notifier.ConflictResolved(c)
	}

	// Step 7: push. A transport failure aborts the whole session and leaves
	// every local change pending.
	if len(local) > 0 {
		if _, err := transport.PushChanges(ctx, local); err != nil {
			return fail(fmt.Errorf("failed to push changes to %s: %w", peer.Name, err))
		}
	}

	// Step 8: record the pulled changes in the local log, keeping their
	// original origin and timestamp, so they propagate onward to peers that
	// never talk to their origin directly. Then apply the winning subset
	// with capture suppressed so replayed mutations are not re-logged.
	// Per-change apply failures are logged and skipped; the session
	// continues.
	if err := m.db.RecordForeignChanges(ctx, m.serverID, remote); err != nil {
		return fail(fmt.Errorf("failed to record pulled changes from %s: %w", peer.Name, err))
	}
	applied := m.ApplyChanges(capture.WithSuppression(ctx), toApply)

	// Step 9: bookkeeping.
	ids := make([]int64, 0, len(local))
	for _, c := range local {
		ids = append(ids, c.ID)
	}
	if err := m.db.MarkChangesSynced(ctx, ids); err != nil {
		return fail(fmt.Errorf("failed to mark changes synced: %w", err))
	}
	if err := m.db.UpdateLastSyncTime(ctx, peer.ID, sessionStart); err != nil {
		m.logger.Printf("Failed to update last sync time for %s: %v", peer.Name, err)
	}

	items := len(local) + applied
	if err := m.db.FinalizeSession(ctx, session.ID, store.SessionCompleted, items, ""); err != nil {
		m.logger.Printf("Failed to finalize session %s: %v", session.ID, err)
	}

	session.Status = store.SessionCompleted
	session.ItemsSynced = items
	m.notifier.SessionFinished(session)

	m.logger.Printf("Session with %s completed: pushed=%d pulled=%d applied=%d conflicts=%d",
		peer.Name, len(local), len(remote), applied, len(conflicts))
	return session, nil
}

// ApplyChanges applies remote change records through the table registry.
// Each record is applied independently: a failure is logged, the record is
// skipped, and application continues (partial success). Returns the number
// of records applied.
//
// Callers replaying remote changes must pass a suppression context so the
// applied mutations are not captured again.
func (m *Manager) ApplyChanges(ctx context.Context, changes []*store.ChangeRecord) int {
	applied := 0
	for _, c := range changes {
		if err := m.registry.Apply(ctx, c); err != nil {
			if errors.Is(err, store.ErrUnknownTable) {
				m.logger.Printf("Skipping change for unknown table %q (record %s)", c.Table, c.RecordID)
			} else {
				m.logger.Printf("Failed to apply %s %s/%s: %v", c.Op, c.Table, c.RecordID, err)
			}
			continue
		}
		applied++
	}
	return applied
}

// cutoffFor computes the pull window start: the peer's last successful sync,
// or the fallback window for a peer that has never synced.
func (m *Manager) cutoffFor(peer *store.Peer) time.Time {
	if peer.LastSyncTime != nil {
		return *peer.LastSyncTime
	}
	return time.Now().Add(-m.fallback)
}

package syncer

import (
	"github.com/lanefield/teamsync/internal/store"
)

// Conflict describes one (table, record_id) key changed on both sides of a
// session. Conflicts are resolved automatically and never surface as errors.
type Conflict struct {
	Table      string
	RecordID   string
	LocalTime  string
	RemoteTime string
	RemoteWins bool
}

// resolveConflicts groups both change sets by (table, record_id) and applies
// last-write-wins at record granularity: for each key present on both sides,
// the side with the later latest timestamp is authoritative. Remote changes
// for keys the local side won are filtered out and not applied; the losing
// records stay in their origin's log for audit.
//
// Equal timestamps are broken by origin server id (lower id wins) so both
// peers resolve identically no matter who initiated the session.
func resolveConflicts(local, remote []*store.ChangeRecord) (toApply []*store.ChangeRecord, conflicts []Conflict) {
	latestLocal := make(map[string]*store.ChangeRecord)
	for _, c := range local {
		if prev, ok := latestLocal[c.Key()]; !ok || c.Timestamp.After(prev.Timestamp) {
			latestLocal[c.Key()] = c
		}
	}

	latestRemote := make(map[string]*store.ChangeRecord)
	for _, c := range remote {
		if prev, ok := latestRemote[c.Key()]; !ok || c.Timestamp.After(prev.Timestamp) {
			latestRemote[c.Key()] = c
		}
	}

	remoteWins := make(map[string]bool)
	for key, lc := range latestLocal {
		rc, ok := latestRemote[key]
		if !ok {
			continue
		}

		wins := rc.Timestamp.After(lc.Timestamp)
		if rc.Timestamp.Equal(lc.Timestamp) {
			wins = rc.Origin < lc.Origin
		}
		remoteWins[key] = wins

		conflicts = append(conflicts, Conflict{
			Table:      lc.Table,
			RecordID:   lc.RecordID,
			LocalTime:  lc.Timestamp.String(),
			RemoteTime: rc.Timestamp.String(),
			RemoteWins: wins,
		})
	}

	for _, c := range remote {
		if wins, conflicted := remoteWins[c.Key()]; conflicted && !wins {
			continue
		}
		toApply = append(toApply, c)
	}
	return toApply, conflicts
}

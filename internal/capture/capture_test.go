package capture

import (
	"context"
	"io"
	"log"
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

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// TestRecordPersists verifies a captured mutation reaches the change log as
// a pending record stamped with the origin server id.
func TestRecordPersists(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "srv-a", 0, quietLogger())

	err := rec.Record(context.Background(), Mutation{
		Table:    "teams",
		RecordID: "team-1",
		Op:       store.OpInsert,
		After:    map[string]interface{}{"name": "Alpha"},
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	changes, err := db.PendingChangesSince(context.Background(), "srv-a", time.Time{})
	if err != nil {
		t.Fatalf("PendingChangesSince() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("change log has %d records, want 1", len(changes))
	}
	c := changes[0]
	if c.Op != store.OpInsert {
		t.Errorf("Op = %q, want insert", c.Op)
	}
	if c.Origin != "srv-a" {
		t.Errorf("Origin = %q, want srv-a", c.Origin)
	}
	if c.SyncStatus != store.StatusPending {
		t.Errorf("SyncStatus = %q, want pending", c.SyncStatus)
	}
}

// TestClassify verifies operation refinement, in particular that updates
// flipping the active flag become soft_delete or reactivate.
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		m    Mutation
		want store.Operation
	}{
		{
			name: "plain insert",
			m:    Mutation{Op: store.OpInsert, After: map[string]interface{}{"name": "A"}},
			want: store.OpInsert,
		},
		{
			name: "plain update",
			m: Mutation{Op: store.OpUpdate,
				Before: map[string]interface{}{"name": "A", "active": true},
				After:  map[string]interface{}{"name": "B", "active": true}},
			want: store.OpUpdate,
		},
		{
			name: "deactivation becomes soft_delete",
			m: Mutation{Op: store.OpUpdate,
				Before: map[string]interface{}{"active": true},
				After:  map[string]interface{}{"active": false}},
			want: store.OpSoftDelete,
		},
		{
			name: "activation becomes reactivate",
			m: Mutation{Op: store.OpUpdate,
				Before: map[string]interface{}{"active": false},
				After:  map[string]interface{}{"active": true}},
			want: store.OpReactivate,
		},
		{
			name: "update without active flags stays update",
			m: Mutation{Op: store.OpUpdate,
				Before: map[string]interface{}{"name": "A"},
				After:  map[string]interface{}{"name": "B"}},
			want: store.OpUpdate,
		},
		{
			name: "hard delete",
			m:    Mutation{Op: store.OpDelete, Before: map[string]interface{}{"name": "A"}},
			want: store.OpDelete,
		},
	}

	for _, tc := range cases {
		got, err := classify(tc.m)
		if err != nil {
			t.Errorf("%s: classify() failed: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: classify() = %q, want %q", tc.name, got, tc.want)
		}
	}

	if _, err := classify(Mutation{Op: store.Operation("truncate")}); err == nil {
		t.Error("classify() accepted unknown operation")
	}
}

// TestDeletePayloadIsPreDeleteState verifies hard deletes log the Before
// snapshot.
func TestDeletePayloadIsPreDeleteState(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "srv-a", 0, quietLogger())

	err := rec.Record(context.Background(), Mutation{
		Table:    "players",
		RecordID: "player-1",
		Op:       store.OpDelete,
		Before:   map[string]interface{}{"name": "Jo"},
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	rec.Close()

	changes, err := db.PendingChangesSince(context.Background(), "srv-a", time.Time{})
	if err != nil {
		t.Fatalf("PendingChangesSince() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("change log has %d records, want 1", len(changes))
	}
	if string(changes[0].Payload) != `{"name":"Jo"}` {
		t.Errorf("Payload = %s, want pre-delete snapshot", changes[0].Payload)
	}
}

// TestRecordMissingSnapshot verifies that a mutation without the snapshot
// its operation requires is rejected.
func TestRecordMissingSnapshot(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "srv-a", 0, quietLogger())
	defer rec.Close()
	ctx := context.Background()

	err := rec.Record(ctx, Mutation{Table: "teams", RecordID: "t1", Op: store.OpInsert})
	if err == nil {
		t.Error("Record() accepted insert without After snapshot")
	}
	err = rec.Record(ctx, Mutation{Table: "teams", RecordID: "t1", Op: store.OpDelete})
	if err == nil {
		t.Error("Record() accepted delete without Before snapshot")
	}
}

// TestSuppression verifies mutations on a suppressed context are ignored.
func TestSuppression(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "srv-a", 0, quietLogger())

	ctx := WithSuppression(context.Background())
	err := rec.Record(ctx, Mutation{
		Table:    "teams",
		RecordID: "team-1",
		Op:       store.OpInsert,
		After:    map[string]interface{}{"name": "Alpha"},
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	rec.Close()

	count, err := db.ChangeCount(context.Background())
	if err != nil {
		t.Fatalf("ChangeCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("suppressed mutation was captured: %d records", count)
	}

	// Suppression is scoped: a sibling context is unaffected.
	if Suppressed(context.Background()) {
		t.Error("fresh context reports suppression")
	}
	if !Suppressed(ctx) {
		t.Error("suppressed context does not report suppression")
	}
}

// TestCloseDrainsQueue verifies records enqueued just before Close are still
// persisted.
func TestCloseDrainsQueue(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "srv-a", 64, quietLogger())
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		err := rec.Record(ctx, Mutation{
			Table:    "teams",
			RecordID: "team-1",
			Op:       store.OpUpdate,
			After:    map[string]interface{}{"seq": i},
		})
		if err != nil {
			t.Fatalf("Record(%d) failed: %v", i, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	count, err := db.ChangeCount(context.Background())
	if err != nil {
		t.Fatalf("ChangeCount() failed: %v", err)
	}
	if count != n {
		t.Errorf("change log has %d records, want %d", count, n)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", rec.Dropped())
	}
}

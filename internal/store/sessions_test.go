package store

import (
	"context"
	"testing"
	"time"
)

// TestStartSession verifies a new session begins in in_progress state.
func TestStartSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := addTestPeer(t, db, "alpha", 1)

	s, err := db.StartSession(ctx, p.ID, SessionTypeDatabase, DirectionBidirectional)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if s.ID == "" {
		t.Error("StartSession() did not assign an id")
	}
	if s.Status != SessionInProgress {
		t.Errorf("Status = %q, want %q", s.Status, SessionInProgress)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

// TestFinalizeSessionTerminalOnce verifies a finished session is never
// reopened by a later finalize.
func TestFinalizeSessionTerminalOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := addTestPeer(t, db, "alpha", 1)

	s, err := db.StartSession(ctx, p.ID, SessionTypeDatabase, DirectionBidirectional)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	if err := db.FinalizeSession(ctx, s.ID, SessionCompleted, 7, ""); err != nil {
		t.Fatalf("FinalizeSession() failed: %v", err)
	}

	// A second finalize against a terminal session must not change it.
	if err := db.FinalizeSession(ctx, s.ID, SessionFailed, 0, "late failure"); err != nil {
		t.Fatalf("Second FinalizeSession() failed: %v", err)
	}

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Status != SessionCompleted {
		t.Errorf("Status = %q, want %q after terminal finalize", got.Status, SessionCompleted)
	}
	if got.ItemsSynced != 7 {
		t.Errorf("ItemsSynced = %d, want 7", got.ItemsSynced)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}
}

// TestRecentSessionsLimit verifies newest-first ordering and the limit.
func TestRecentSessionsLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := addTestPeer(t, db, "alpha", 1)

	var last string
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond) // distinct started_at values
		s, err := db.StartSession(ctx, p.ID, SessionTypeDatabase, DirectionBidirectional)
		if err != nil {
			t.Fatalf("StartSession() failed: %v", err)
		}
		if err := db.FinalizeSession(ctx, s.ID, SessionCompleted, i, ""); err != nil {
			t.Fatalf("FinalizeSession() failed: %v", err)
		}
		last = s.ID
	}

	got, err := db.RecentSessions(ctx, 3)
	if err != nil {
		t.Fatalf("RecentSessions() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentSessions(3) returned %d sessions", len(got))
	}
	if got[0].ID != last {
		t.Errorf("RecentSessions() not newest first: got %s, want %s", got[0].ID, last)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanefield/teamsync/internal/filesync"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/syncer"
	"github.com/lanefield/teamsync/internal/wire"
)

type testServer struct {
	srv       *Server
	db        *store.DB
	baseURL   string
	configDir string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	registry := db.RegisterTables([]string{"teams"})
	manager := syncer.New(db, registry, syncer.Config{ServerID: "srv-test", Logger: quiet})

	configDir := t.TempDir()
	applier := filesync.NewApplier(map[string]string{"config": configDir},
		filesync.NewRules(nil), filesync.DefaultConflictWindow, quiet)

	srv := New(db, manager, applier, &Config{Port: 0, ServerID: "srv-test", Logger: quiet})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%s) failed: %v", srv.Addr(), err)
	}

	return &testServer{
		srv:       srv,
		db:        db,
		baseURL:   "http://127.0.0.1:" + port,
		configDir: configDir,
	}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func uploadFile(t *testing.T, baseURL, baseFolder, relPath string, content []byte, modified time.Time) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(relPath))
	if err != nil {
		t.Fatalf("CreateFormFile() failed: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("part write failed: %v", err)
	}
	_ = mw.WriteField("path", relPath)
	_ = mw.WriteField("base_folder", baseFolder)
	_ = mw.WriteField("server_id", "srv-remote")
	_ = mw.WriteField("modified", modified.Format(time.RFC3339Nano))
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close failed: %v", err)
	}

	resp, err := http.Post(baseURL+"/files/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST upload failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// TestPingEndpoint verifies liveness reporting.
func TestPingEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp := get(t, ts.baseURL+"/ping")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body wire.PingResponse
	decode(t, resp, &body)
	if body.Status != "ok" || body.Version != Version || body.ServerID != "srv-test" {
		t.Errorf("ping body = %+v", body)
	}
}

// TestChangesEndpoint verifies cutoff filtering and requester exclusion.
func TestChangesEndpoint(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insert := func(recordID, origin string, ts2 time.Time) {
		c := &store.ChangeRecord{
			Table: "teams", RecordID: recordID, Op: store.OpInsert,
			Payload: json.RawMessage(`{"name":"x"}`), Timestamp: ts2, Origin: origin,
		}
		if err := ts.db.InsertChange(ctx, c); err != nil {
			t.Fatalf("InsertChange() failed: %v", err)
		}
	}
	insert("old", "srv-test", base.Add(-2*time.Hour))
	insert("mine", "srv-test", base.Add(time.Minute))
	insert("theirs", "srv-remote", base.Add(2*time.Minute))

	url := fmt.Sprintf("%s/changes?since=%s&server_id=srv-remote",
		ts.baseURL, base.Format(time.RFC3339Nano))
	resp := get(t, url)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body wire.ChangesResponse
	decode(t, resp, &body)
	if body.Count != 1 || len(body.Changes) != 1 {
		t.Fatalf("count = %d, want 1 (requester's own change must be excluded)", body.Count)
	}
	if body.Changes[0].RecordID != "mine" {
		t.Errorf("record = %q, want mine", body.Changes[0].RecordID)
	}

	// A missing since parameter is a client error.
	resp = get(t, ts.baseURL+"/changes?server_id=srv-remote")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing since: status = %d, want 400", resp.StatusCode)
	}
}

// TestReceiveChangesEndpoint verifies pushed changes are applied and
// mutations they cause are not captured as fresh local changes.
func TestReceiveChangesEndpoint(t *testing.T) {
	ts := startTestServer(t)

	req := wire.ReceiveChangesRequest{
		ServerID: "srv-remote",
		Changes: []*store.ChangeRecord{{
			Table: "teams", RecordID: "team-1", Op: store.OpInsert,
			Payload: json.RawMessage(`{"name":"Alpha"}`),
			Timestamp: time.Now().UTC(), Origin: "srv-remote",
			SyncStatus: store.StatusPending,
		}},
		Timestamp: time.Now(),
	}

	resp := postJSON(t, ts.baseURL+"/receive-changes", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body wire.ReceiveChangesResponse
	decode(t, resp, &body)
	if !body.Success || body.AppliedCount != 1 {
		t.Errorf("response = %+v", body)
	}

	row, err := ts.db.GetEntity(context.Background(), "teams", "team-1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !row.Active {
		t.Error("applied entity inactive")
	}
}

// TestReceiveChangesRelayedToOtherPeers verifies pushed changes land in the
// receiving server's change log with their original origin, so a third peer
// pulling from it receives them while the origin never gets its own change
// back.
func TestReceiveChangesRelayedToOtherPeers(t *testing.T) {
	ts := startTestServer(t)
	since := time.Now().UTC().Add(-time.Hour)

	req := wire.ReceiveChangesRequest{
		ServerID: "srv-a",
		Changes: []*store.ChangeRecord{{
			Table: "teams", RecordID: "team-9", Op: store.OpInsert,
			Payload:   json.RawMessage(`{"name":"Delta"}`),
			Timestamp: time.Now().UTC(), Origin: "srv-a",
		}},
	}

	// Pushing twice must not duplicate the log entry.
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.baseURL+"/receive-changes", req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("push %d: status = %d", i, resp.StatusCode)
		}
	}

	url := fmt.Sprintf("%s/changes?since=%s&server_id=srv-c",
		ts.baseURL, since.Format(time.RFC3339Nano))
	resp := get(t, url)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body wire.ChangesResponse
	decode(t, resp, &body)
	if body.Count != 1 || len(body.Changes) != 1 {
		t.Fatalf("relayed count = %d, want 1", body.Count)
	}
	if body.Changes[0].Origin != "srv-a" {
		t.Errorf("relayed origin = %q, want srv-a", body.Changes[0].Origin)
	}

	url = fmt.Sprintf("%s/changes?since=%s&server_id=srv-a",
		ts.baseURL, since.Format(time.RFC3339Nano))
	resp = get(t, url)
	decode(t, resp, &body)
	if body.Count != 0 {
		t.Errorf("changes echoed to origin = %d, want 0", body.Count)
	}
}

// TestReceiveChangesPartialSuccess verifies unknown-table changes are
// skipped and reported without failing the request.
func TestReceiveChangesPartialSuccess(t *testing.T) {
	ts := startTestServer(t)
	now := time.Now().UTC()

	req := wire.ReceiveChangesRequest{
		ServerID: "srv-remote",
		Changes: []*store.ChangeRecord{
			{Table: "teams", RecordID: "t1", Op: store.OpInsert,
				Payload: json.RawMessage(`{"name":"A"}`), Timestamp: now, Origin: "srv-remote"},
			{Table: "referees", RecordID: "r1", Op: store.OpInsert,
				Payload: json.RawMessage(`{"name":"B"}`), Timestamp: now, Origin: "srv-remote"},
		},
	}

	resp := postJSON(t, ts.baseURL+"/receive-changes", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body wire.ReceiveChangesResponse
	decode(t, resp, &body)
	if body.AppliedCount != 1 {
		t.Errorf("AppliedCount = %d, want 1", body.AppliedCount)
	}
	if len(body.Errors) == 0 {
		t.Error("skipped change not reported in errors")
	}
}

// TestFileUploadDownloadDelete verifies the full file transfer surface.
func TestFileUploadDownloadDelete(t *testing.T) {
	ts := startTestServer(t)
	modified := time.Now().Add(-time.Hour).Truncate(time.Second)

	resp := uploadFile(t, ts.baseURL, "config", "nested/settings.yaml", []byte("a: 1"), modified)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var up wire.UploadResponse
	decode(t, resp, &up)
	if up.Path != "nested/settings.yaml" || up.Checksum == "" {
		t.Errorf("upload response = %+v", up)
	}

	onDisk, err := os.ReadFile(filepath.Join(ts.configDir, "nested", "settings.yaml"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(onDisk) != "a: 1" {
		t.Errorf("uploaded content = %q", onDisk)
	}

	resp = get(t, ts.baseURL+"/files/download?base_folder=config&path=nested/settings.yaml")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "a: 1" {
		t.Errorf("downloaded content = %q", data)
	}
	if resp.Header.Get("Last-Modified") == "" {
		t.Error("download missing Last-Modified header")
	}

	resp = postJSON(t, ts.baseURL+"/files/delete", wire.DeleteRequest{
		Path: "nested/settings.yaml", BaseFolder: "config", ServerID: "srv-remote",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp = get(t, ts.baseURL+"/files/download?base_folder=config&path=nested/settings.yaml")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download after delete: status = %d, want 404", resp.StatusCode)
	}
	resp = postJSON(t, ts.baseURL+"/files/delete", wire.DeleteRequest{
		Path: "nested/settings.yaml", BaseFolder: "config", ServerID: "srv-remote",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", resp.StatusCode)
	}
}

// TestExcludedPathsRejected verifies data store files answer 403 on every
// file operation and are invisible in checksum listings.
func TestExcludedPathsRejected(t *testing.T) {
	ts := startTestServer(t)

	resp := uploadFile(t, ts.baseURL, "config", "app.db", []byte("nope"), time.Now())
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("upload app.db: status = %d, want 403", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(ts.configDir, "app.db")); !os.IsNotExist(err) {
		t.Error("rejected upload reached disk")
	}

	resp = get(t, ts.baseURL+"/files/download?base_folder=config&path=app.db-wal")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("download app.db-wal: status = %d, want 403", resp.StatusCode)
	}

	resp = postJSON(t, ts.baseURL+"/files/delete", wire.DeleteRequest{
		Path: "app.db", BaseFolder: "config", ServerID: "srv-remote",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("delete app.db: status = %d, want 403", resp.StatusCode)
	}

	// Seed one excluded and one regular file directly on disk.
	if err := os.WriteFile(filepath.Join(ts.configDir, "app.db"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ts.configDir, "settings.yaml"), []byte("y"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	resp = get(t, ts.baseURL+"/files/checksums?path=config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checksums status = %d", resp.StatusCode)
	}
	var listing map[string]wire.ChecksumInfo
	decode(t, resp, &listing)
	if _, ok := listing["app.db"]; ok {
		t.Error("excluded file visible in checksum listing")
	}
	if _, ok := listing["settings.yaml"]; !ok {
		t.Error("regular file missing from checksum listing")
	}
}

// TestStatusEndpoint verifies the operator summary.
func TestStatusEndpoint(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	c := &store.ChangeRecord{
		Table: "teams", RecordID: "t1", Op: store.OpInsert,
		Payload: json.RawMessage(`{}`), Timestamp: time.Now().UTC(), Origin: "srv-test",
	}
	if err := ts.db.InsertChange(ctx, c); err != nil {
		t.Fatalf("InsertChange() failed: %v", err)
	}

	resp := get(t, ts.baseURL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body wire.StatusResponse
	decode(t, resp, &body)
	if body.ServerID != "srv-test" || body.Version != Version {
		t.Errorf("status body = %+v", body)
	}
	if body.PendingChanges != 1 {
		t.Errorf("PendingChanges = %d, want 1", body.PendingChanges)
	}
}

// TestUnknownBaseFolder verifies checksum listing validates its folder.
func TestUnknownBaseFolder(t *testing.T) {
	ts := startTestServer(t)

	resp := get(t, ts.baseURL+"/files/checksums?path=attachments")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

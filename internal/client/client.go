// Package client implements the HTTP client half of the peer protocol.
//
// All calls are synchronous with a fixed timeout; a timed-out call fails
// only the current session or transfer, never the process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/wire"
)

// DefaultTimeout bounds every peer call.
const DefaultTimeout = 15 * time.Second

// ErrPeerUnreachable wraps transport-level failures (refused, timeout).
var ErrPeerUnreachable = errors.New("peer unreachable")

// ErrRejected is returned when the peer refuses an operation outright,
// such as an upload of an excluded path. Rejections are never retried.
var ErrRejected = errors.New("request rejected by peer")

// Client talks to one peer's sync endpoints.
type Client struct {
	baseURL  string
	serverID string
	http     *http.Client
}

// New creates a client for the given peer. serverID identifies this local
// instance in requests so the peer can filter out our own changes.
func New(peer *store.Peer, serverID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  peer.BaseURL(),
		serverID: serverID,
		http:     &http.Client{Timeout: timeout},
	}
}

// Ping checks peer liveness.
func (c *Client) Ping(ctx context.Context) (*wire.PingResponse, error) {
	var out wire.PingResponse
	if err := c.getJSON(ctx, "/ping", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullChanges requests the peer's change records newer than the cutoff.
func (c *Client) PullChanges(ctx context.Context, since time.Time) ([]*store.ChangeRecord, error) {
	params := url.Values{}
	params.Set("since", since.Format(time.RFC3339Nano))
	params.Set("server_id", c.serverID)

	var out wire.ChangesResponse
	if err := c.getJSON(ctx, "/changes", params, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// PushChanges sends local change records to the peer for application.
func (c *Client) PushChanges(ctx context.Context, changes []*store.ChangeRecord) (*wire.ReceiveChangesResponse, error) {
	body := wire.ReceiveChangesRequest{
		Changes:   changes,
		ServerID:  c.serverID,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/receive-changes", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out wire.ReceiveChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode receive-changes response: %w", err)
	}
	return &out, nil
}

// FileChecksums enumerates the peer's trackable files for a base folder.
// Exclusions are pre-filtered on the peer's side.
func (c *Client) FileChecksums(ctx context.Context, baseFolder string) (map[string]wire.ChecksumInfo, error) {
	params := url.Values{}
	params.Set("path", baseFolder)

	var out map[string]wire.ChecksumInfo
	if err := c.getJSON(ctx, "/files/checksums", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload sends a local file's bytes to the peer.
func (c *Client) Upload(ctx context.Context, baseFolder, relPath, localPath string) (*wire.UploadResponse, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(relPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	_ = mw.WriteField("path", relPath)
	_ = mw.WriteField("base_folder", baseFolder)
	_ = mw.WriteField("server_id", c.serverID)
	_ = mw.WriteField("modified", info.ModTime().Format(time.RFC3339Nano))
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/files/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out wire.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// Download fetches a file's bytes from the peer. The returned modified time
// comes from the Last-Modified header when the peer provides it.
func (c *Client) Download(ctx context.Context, baseFolder, relPath string) ([]byte, time.Time, error) {
	params := url.Values{}
	params.Set("path", relPath)
	params.Set("base_folder", baseFolder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/files/download?"+params.Encode(), nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, c.statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read download body: %w", err)
	}

	var modified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			modified = t
		}
	}
	return data, modified, nil
}

// DeleteFile asks the peer to remove a file.
func (c *Client) DeleteFile(ctx context.Context, baseFolder, relPath string) error {
	body := wire.DeleteRequest{
		Path:       relPath,
		BaseFolder: baseFolder,
		ServerID:   c.serverID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/files/delete", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	// Already absent counts as success.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

// Status fetches the peer's operator summary.
func (c *Client) Status(ctx context.Context) (*wire.StatusResponse, error) {
	var out wire.StatusResponse
	if err := c.getJSON(ctx, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// statusError classifies a non-2xx answer: 403 means a hard rejection that
// must not be retried, everything else is transient.
func (c *Client) statusError(resp *http.Response) error {
	msg := ""
	var body wire.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		msg = body.Error
	}
	if msg == "" {
		msg = "status " + strconv.Itoa(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return fmt.Errorf("%w: %s", ErrPeerUnreachable, msg)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carenote/internal/services"
)

// Client talks to a running agent's control API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the agent listening on bind (host:port or a
// full URL).
func NewClient(bind string, timeout time.Duration) *Client {
	base := strings.TrimSpace(bind)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

// WithToken sets the bearer token sent with every request.
func (c *Client) WithToken(token string) *Client {
	c.token = strings.TrimSpace(token)
	return c
}

// BaseURL returns the agent address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "api", "request", fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()
	if err := services.CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// ListActions returns queued actions, optionally filtered by status.
func (c *Client) ListActions(ctx context.Context, statuses ...string) ([]Action, error) {
	path := "/api/actions"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		path += "?" + q.Encode()
	}
	var resp ActionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Actions, nil
}

// EnqueueAction records a user mutation.
func (c *Client) EnqueueAction(ctx context.Context, req EnqueueActionRequest) (Action, error) {
	var resp ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/actions", req, &resp)
	return resp.Action, err
}

// RetryActions moves abandoned or rejected actions back to pending.
func (c *Client) RetryActions(ctx context.Context, ids ...string) (int64, error) {
	var resp RetryResponse
	err := c.do(ctx, http.MethodPost, "/api/actions/retry", RetryRequest{IDs: ids}, &resp)
	return resp.Updated, err
}

// DiscardAction deletes a dead-lettered action.
func (c *Client) DiscardAction(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/actions/"+url.PathEscape(id), nil, nil)
}

// Sync flushes both queues now.
func (c *Client) Sync(ctx context.Context) (SyncResponse, error) {
	var resp SyncResponse
	err := c.do(ctx, http.MethodPost, "/api/sync", nil, &resp)
	return resp, err
}

// AudioStatus returns the offline audio queue summary.
func (c *Client) AudioStatus(ctx context.Context) (AudioStatus, error) {
	var status AudioStatus
	err := c.do(ctx, http.MethodGet, "/api/audio/status", nil, &status)
	return status, err
}

// ListArtifacts returns recorded voice notes.
func (c *Client) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var resp ArtifactListResponse
	if err := c.do(ctx, http.MethodGet, "/api/audio", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// RetryAudio moves failed artifacts back to pending.
func (c *Client) RetryAudio(ctx context.Context, ids ...string) (int64, error) {
	var resp RetryResponse
	err := c.do(ctx, http.MethodPost, "/api/audio/retry", RetryRequest{IDs: ids}, &resp)
	return resp.Updated, err
}

// CaptureStatus returns the capture pipeline snapshot.
func (c *Client) CaptureStatus(ctx context.Context) (CaptureStatus, error) {
	var status CaptureStatus
	err := c.do(ctx, http.MethodGet, "/api/capture", nil, &status)
	return status, err
}

// StartCapture opens the microphone and records for entryID.
func (c *Client) StartCapture(ctx context.Context, entryID string) (CaptureStatus, error) {
	var status CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/capture/start", CaptureStartRequest{EntryID: entryID}, &status)
	return status, err
}

// StopCapture ends the recording and waits for the pipeline to finish.
func (c *Client) StopCapture(ctx context.Context) (CaptureOutcome, error) {
	var outcome CaptureOutcome
	err := c.do(ctx, http.MethodPost, "/api/capture/stop", nil, &outcome)
	return outcome, err
}

// WaitCapture blocks until the current capture reaches a terminal state.
func (c *Client) WaitCapture(ctx context.Context) (CaptureOutcome, error) {
	var outcome CaptureOutcome
	err := c.do(ctx, http.MethodGet, "/api/capture/wait", nil, &outcome)
	return outcome, err
}

// CancelCapture discards the current recording.
func (c *Client) CancelCapture(ctx context.Context) (CaptureStatus, error) {
	var status CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/capture/cancel", nil, &status)
	return status, err
}

// ResetCapture returns a finished pipeline to idle.
func (c *Client) ResetCapture(ctx context.Context) (CaptureStatus, error) {
	var status CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/capture/reset", nil, &status)
	return status, err
}

// StartSession installs the server token and arms the inactivity guard.
func (c *Client) StartSession(ctx context.Context, token string) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodPost, "/api/session", SessionRequest{Token: token}, &status)
	return status, err
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/session", nil, nil)
}

// Touch reports user activity of the given kind.
func (c *Client) Touch(ctx context.Context, kind string) (bool, error) {
	var resp ActivityResponse
	err := c.do(ctx, http.MethodPost, "/api/session/activity", ActivityRequest{Kind: kind}, &resp)
	return resp.Accepted, err
}

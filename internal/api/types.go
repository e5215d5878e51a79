package api

import (
	"encoding/json"
	"time"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Action describes a queued user mutation.
type Action struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// Artifact describes a recorded voice note waiting for AI processing.
type Artifact struct {
	ID              string  `json:"id"`
	EntryID         string  `json:"entryId"`
	MimeType        string  `json:"mimeType"`
	DurationSeconds float64 `json:"durationSeconds"`
	SizeBytes       int64   `json:"sizeBytes"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	LastError       string  `json:"lastError,omitempty"`
	CreatedAt       string  `json:"createdAt,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
}

// Connectivity mirrors the network monitor state.
type Connectivity struct {
	Online       bool   `json:"online"`
	LastProbeAt  string `json:"lastProbeAt,omitempty"`
	PendingCount int    `json:"pendingCount"`
	LinkEvents   bool   `json:"linkEvents"`
}

// ActionCounts groups queued actions by status.
type ActionCounts struct {
	Pending   int `json:"pending"`
	Abandoned int `json:"abandoned"`
	Rejected  int `json:"rejected"`
}

// AudioStatus summarizes the offline audio queue.
type AudioStatus struct {
	Pending      int  `json:"pending"`
	Failed       int  `json:"failed"`
	Total        int  `json:"total"`
	IsProcessing bool `json:"isProcessing"`
}

// CaptureStatus is the capture pipeline snapshot.
type CaptureStatus struct {
	State          string  `json:"state"`
	EntryID        string  `json:"entryId,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Bytes          int64   `json:"bytes"`
	Message        string  `json:"message,omitempty"`
}

// SessionStatus reports the session guard.
type SessionStatus struct {
	Active       bool   `json:"active"`
	LastActivity string `json:"lastActivity,omitempty"`
}

// GatewayStatus reports the caching proxy and background sync mode.
type GatewayStatus struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address,omitempty"`
	CacheName string `json:"cacheName,omitempty"`
	Polling   bool   `json:"polling"`
}

// Status aggregates agent runtime information.
type Status struct {
	Running      bool          `json:"running"`
	PID          int           `json:"pid"`
	QueueDBPath  string        `json:"queueDbPath"`
	LockFilePath string        `json:"lockFilePath"`
	Connectivity Connectivity  `json:"connectivity"`
	Actions      ActionCounts  `json:"actions"`
	Audio        AudioStatus   `json:"audio"`
	Capture      CaptureStatus `json:"capture"`
	Session      SessionStatus `json:"session"`
	Gateway      GatewayStatus `json:"gateway"`
}

// EnqueueActionRequest records a user mutation.
type EnqueueActionRequest struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActionResponse wraps a single action.
type ActionResponse struct {
	Action Action `json:"action"`
}

// ActionListResponse wraps queued actions.
type ActionListResponse struct {
	Actions []Action `json:"actions"`
}

// ArtifactListResponse wraps recorded voice notes.
type ArtifactListResponse struct {
	Artifacts []Artifact `json:"artifacts"`
}

// RetryRequest selects ids to retry; an empty list retries every failed row.
type RetryRequest struct {
	IDs []string `json:"ids,omitempty"`
}

// RetryResponse reports how many rows were reset.
type RetryResponse struct {
	Updated int64 `json:"updated"`
}

// FlushSummary is the outcome of one queue flush.
type FlushSummary struct {
	Skipped   bool   `json:"skipped"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	StoppedBy string `json:"stoppedBy,omitempty"`
}

// SyncResponse reports a manual flush of both queues.
type SyncResponse struct {
	Actions FlushSummary `json:"actions"`
	Audio   FlushSummary `json:"audio"`
}

// CaptureStartRequest starts a recording for a care entry.
type CaptureStartRequest struct {
	EntryID string `json:"entryId"`
}

// CaptureOutcome reports how a capture ended.
type CaptureOutcome struct {
	State           string  `json:"state"`
	EntryID         string  `json:"entryId"`
	ArtifactID      string  `json:"artifactId,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Bytes           int64   `json:"bytes"`
	AutoStop        bool    `json:"autoStop"`
	Message         string  `json:"message,omitempty"`
}

// ActivityRequest reports user activity to the session guard.
type ActivityRequest struct {
	Kind string `json:"kind"`
}

// ActivityResponse reports whether the activity kind was accepted.
type ActivityResponse struct {
	Accepted bool `json:"accepted"`
}

// SessionRequest starts a session with the bearer token issued by the server.
type SessionRequest struct {
	Token string `json:"token"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FormatTime renders t in the API timestamp format; zero times are empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

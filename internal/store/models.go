package store

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	// ActionPending actions are replayed on the next flush.
	ActionPending ActionStatus = "pending"
	// ActionAbandoned actions hit the attempt ceiling on transient failures.
	ActionAbandoned ActionStatus = "abandoned"
	// ActionRejected actions were refused by the server and will not be replayed.
	ActionRejected ActionStatus = "rejected"
)

// Action is a user mutation recorded while the server may be unreachable.
type Action struct {
	Seq       int64
	ID        string
	Kind      string
	Target    string
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
	LastError string
	Status    ActionStatus
}

// ArtifactStatus is the lifecycle state of a recorded audio artifact.
type ArtifactStatus string

const (
	ArtifactPending    ArtifactStatus = "pending"
	ArtifactUploading  ArtifactStatus = "uploading"
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactDone       ArtifactStatus = "done"
	ArtifactError      ArtifactStatus = "error"
)

// Artifact is a recording waiting for (or finished with) AI processing. The
// audio bytes live in the file at BlobPath.
type Artifact struct {
	Seq       int64
	ID        string
	EntryID   string
	MimeType  string
	Duration  time.Duration
	SizeBytes int64
	BlobPath  string
	Status    ArtifactStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// artifactTransitions lists the legal status changes. Status only moves
// forward except for the pending/uploading cycle and the processing->pending
// requeue after a transient server-side failure.
var artifactTransitions = map[ArtifactStatus][]ArtifactStatus{
	ArtifactPending:    {ArtifactUploading, ArtifactError},
	ArtifactUploading:  {ArtifactPending, ArtifactProcessing, ArtifactDone, ArtifactError},
	ArtifactProcessing: {ArtifactPending, ArtifactDone, ArtifactError},
	ArtifactError:      {ArtifactPending},
	ArtifactDone:       nil,
}

// CanTransition reports whether an artifact may move from one status to another.
func CanTransition(from, to ArtifactStatus) bool {
	for _, allowed := range artifactTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ArtifactSummary aggregates artifact counts for status reporting.
type ArtifactSummary struct {
	Pending  int
	InFlight int
	Done     int
	Failed   int
	Total    int
}

package api

import (
	"carenote/internal/actions"
	"carenote/internal/audio"
	"carenote/internal/capture"
	"carenote/internal/store"
)

// FromAction converts a stored action to its API representation.
func FromAction(action *store.Action) Action {
	if action == nil {
		return Action{}
	}
	return Action{
		ID:        action.ID,
		Kind:      action.Kind,
		Target:    action.Target,
		Payload:   action.Payload,
		Status:    string(action.Status),
		Attempts:  action.Attempts,
		LastError: action.LastError,
		CreatedAt: FormatTime(action.CreatedAt),
	}
}

// FromActions converts a slice of stored actions.
func FromActions(items []*store.Action) []Action {
	out := make([]Action, 0, len(items))
	for _, item := range items {
		out = append(out, FromAction(item))
	}
	return out
}

// FromArtifact converts a stored artifact to its API representation.
func FromArtifact(artifact *store.Artifact) Artifact {
	if artifact == nil {
		return Artifact{}
	}
	return Artifact{
		ID:              artifact.ID,
		EntryID:         artifact.EntryID,
		MimeType:        artifact.MimeType,
		DurationSeconds: artifact.Duration.Seconds(),
		SizeBytes:       artifact.SizeBytes,
		Status:          string(artifact.Status),
		Attempts:        artifact.Attempts,
		LastError:       artifact.LastError,
		CreatedAt:       FormatTime(artifact.CreatedAt),
		UpdatedAt:       FormatTime(artifact.UpdatedAt),
	}
}

// FromArtifacts converts a slice of stored artifacts.
func FromArtifacts(items []*store.Artifact) []Artifact {
	out := make([]Artifact, 0, len(items))
	for _, item := range items {
		out = append(out, FromArtifact(item))
	}
	return out
}

// FromAudioStatus converts the audio manager status.
func FromAudioStatus(status audio.Status) AudioStatus {
	return AudioStatus{
		Pending:      status.Pending,
		Failed:       status.Failed,
		Total:        status.Total,
		IsProcessing: status.IsProcessing,
	}
}

// FromActionFlush converts an action queue flush result.
func FromActionFlush(result actions.FlushResult) FlushSummary {
	return FlushSummary{
		Skipped:   result.Skipped,
		Processed: result.Replayed,
		Failed:    result.Rejected + result.Abandoned,
		Remaining: result.Remaining,
		StoppedBy: result.StoppedBy,
	}
}

// FromAudioFlush converts an audio manager flush result.
func FromAudioFlush(result audio.FlushResult) FlushSummary {
	summary := FlushSummary{
		Skipped:   result.Skipped,
		Processed: result.Processed,
		Failed:    result.Failed,
	}
	if result.Deferred != "" {
		summary.StoppedBy = result.Deferred
	}
	return summary
}

// FromSnapshot converts a capture pipeline snapshot.
func FromSnapshot(snap capture.Snapshot) CaptureStatus {
	return CaptureStatus{
		State:          string(snap.State),
		EntryID:        snap.EntryID,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		Bytes:          snap.Bytes,
		Message:        snap.Message,
	}
}

// FromOutcome converts a capture outcome.
func FromOutcome(outcome capture.Outcome) CaptureOutcome {
	return CaptureOutcome{
		State:           string(outcome.State),
		EntryID:         outcome.EntryID,
		ArtifactID:      outcome.ArtifactID,
		DurationSeconds: outcome.Duration.Seconds(),
		Bytes:           outcome.Bytes,
		AutoStop:        outcome.AutoStop,
		Message:         outcome.Message,
	}
}

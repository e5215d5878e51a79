package events

import "time"

// ConnectivityChanged reports a probe-confirmed online/offline transition.
type ConnectivityChanged struct {
	Online     bool      `json:"online"`
	ObservedAt time.Time `json:"observed_at"`
}

// QueueDepthChanged reports the number of pending actions after a mutation.
type QueueDepthChanged struct {
	Pending int `json:"pending"`
}

// ActionFailed reports an action that left the pending set without being
// acknowledged, either rejected by the server or abandoned after retries.
type ActionFailed struct {
	ActionID string `json:"action_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// AudioProcessed reports an artifact the AI backend fully processed.
type AudioProcessed struct {
	ArtifactID string `json:"artifact_id"`
	EntryID    string `json:"entry_id"`
}

// AudioFailed reports an artifact that failed permanently.
type AudioFailed struct {
	ArtifactID string `json:"artifact_id"`
	EntryID    string `json:"entry_id"`
	Error      string `json:"error"`
}

// CaptureStateChanged reports a capture pipeline transition.
type CaptureStateChanged struct {
	EntryID string `json:"entry_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

// SessionWarning announces an upcoming inactivity logout.
type SessionWarning struct {
	SecondsLeft int `json:"seconds_left"`
}

// SessionLogout reports the end of the local session.
type SessionLogout struct {
	Reason string `json:"reason"`
}

// AutosaveTriggered reports a periodic autosave tick.
type AutosaveTriggered struct {
	At time.Time `json:"at"`
}

var (
	TopicConnectivityChanged = NewTopic[ConnectivityChanged]("connectivity-changed")
	TopicQueueDepthChanged   = NewTopic[QueueDepthChanged]("queue-depth-changed")
	TopicActionFailed        = NewTopic[ActionFailed]("action-failed")
	TopicAudioProcessed      = NewTopic[AudioProcessed]("audio-processed")
	TopicAudioFailed         = NewTopic[AudioFailed]("audio-failed")
	TopicCaptureStateChanged = NewTopic[CaptureStateChanged]("capture-state-changed")
	TopicSessionWarning      = NewTopic[SessionWarning]("session-warning")
	TopicSessionLogout       = NewTopic[SessionLogout]("session-logout")
	TopicAutosaveTriggered   = NewTopic[AutosaveTriggered]("autosave-triggered")
)

package capture

import (
	"errors"
	"fmt"
)

// State is a capture pipeline state.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateUploading    State = "uploading"
	StateTranscribing State = "transcribing"
	StateTranslating  State = "translating"
	StateSummarizing  State = "summarizing"
	StateDone         State = "done"
	StateError        State = "error"
	StateQueued       State = "queued"
)

var (
	// ErrIllegalTransition reports a state change the pipeline forbids.
	ErrIllegalTransition = errors.New("illegal capture transition")
	// ErrMicrophoneBusy reports that another capture holds the microphone.
	ErrMicrophoneBusy = errors.New("microphone is in use by another capture")
	// ErrCancelNotAllowed reports a cancel after recording has finished.
	ErrCancelNotAllowed = errors.New("capture can only be cancelled while idle or recording")
)

var transitions = map[State][]State{
	StateIdle:         {StateRecording, StateError},
	StateRecording:    {StateIdle, StateUploading, StateQueued, StateError},
	StateUploading:    {StateTranscribing, StateQueued, StateError},
	StateTranscribing: {StateTranslating, StateQueued, StateError},
	StateTranslating:  {StateSummarizing, StateQueued, StateError},
	StateSummarizing:  {StateDone, StateQueued, StateError},
	StateDone:         {StateIdle},
	StateError:        {StateIdle},
	StateQueued:       {StateIdle},
}

// processingOrder is the forward path through server-side stages.
var processingOrder = []State{StateUploading, StateTranscribing, StateTranslating, StateSummarizing, StateDone}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether the state ends a capture.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateQueued:
		return true
	}
	return false
}

func stageIndex(s State) int {
	for i, candidate := range processingOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

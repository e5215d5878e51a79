// Package capture records a voice note from the microphone and drives it
// through AI processing.
//
// A Pipeline is a tagged state machine (idle, recording, uploading,
// transcribing, translating, summarizing, done, error, queued). Every state
// change goes through one transition function backed by an explicit table,
// so an illegal move fails loudly instead of corrupting the capture. The
// microphone is shared through a Device: only one capture can hold it at a
// time.
//
// Recordings are capped in size and length. Hitting the duration cap stops
// the capture cleanly; exceeding the byte cap is an error and nothing is
// uploaded. When the backend cannot be reached the finished recording is
// handed to the offline audio manager and the pipeline ends in queued.
package capture

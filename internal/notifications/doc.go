// Package notifications pushes caregiver-facing alerts via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when notifications are disabled.
// Alerts cover the cases where work leaves the automatic retry path (an
// abandoned or rejected action, a failed recording) plus an optional summary
// after a successful sync, so nobody has to watch the agent logs to learn that
// a note needs attention.
package notifications

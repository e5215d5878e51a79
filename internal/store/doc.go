// Package store persists the agent's durable state in SQLite: queued user
// actions awaiting replay and recorded audio artifacts awaiting AI
// processing.
//
// The database lives at <state_dir>/queue.db and is written by exactly one
// agent process (enforced by the daemon's lock file). Rows are only removed
// after the server acknowledges them or the user discards them explicitly;
// every status change goes through a single UPDATE so a crash never leaves a
// half-applied transition. Timestamps are stored as Unix nanoseconds so FIFO
// ordering is a plain integer sort.
package store

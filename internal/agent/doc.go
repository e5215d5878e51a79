// Package agent wires the carenote components into one process and exposes
// them through the local control API.
//
// An Agent owns the durable store, the event bus, the connectivity monitor,
// the action queue, the offline audio manager, the capture pipeline, the
// session guard, the optional caching gateway, and the background sync
// trigger. Start acquires the single-instance lock and launches every
// long-running component; Close stops them in reverse order and releases the
// lock. Connectivity coming back online flushes both queues.
package agent

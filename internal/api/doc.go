// Package api defines the wire-format types of the agent's local control API
// and a client for it. It translates internal store models into
// transport-friendly DTOs that the caregiver UI and the carenote CLI render
// without coupling to internal types.
//
// # Key Types
//
// Action / Artifact: queued user mutations and recorded voice notes.
//
// Status: connectivity, queue depths, capture state, and session state.
//
// SyncResponse: outcome of a manual flush of both queues.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript consumers. Timestamps use RFC3339
// with milliseconds. Action payloads are passed through as json.RawMessage to
// avoid double-encoding. Errors are always `{"error": "..."}`.
package api

// Package actions implements the durable action queue: every user mutation is
// written to SQLite before the caller gets an answer, and replayed against the
// REST API once the connectivity monitor reports the server reachable.
//
// Replay is strictly FIFO and one request at a time. The server's answer
// decides the action's fate:
//   - 2xx: the action is deleted.
//   - permanent failure (most 4xx): the action moves to the rejected dead
//     letter state and the flush continues with the next action.
//   - transient failure (network, timeout, 5xx, 408/425/429): the flush
//     stops and the action stays queued, or becomes abandoned once it used up
//     its attempts.
//
// Rejected and abandoned actions are never deleted automatically; the user
// retries or discards them through the control API.
package actions

// Package services defines shared error markers and HTTP helpers consumed by
// the replay, upload, and probe code paths.
//
// Key responsibilities:
//   - Sentinel markers plus the Wrap helper that tag failures as transient,
//     permanent, resource, exhaustion, or capability errors.
//   - HTTPError, which classifies upstream status codes the same way for
//     every caller (2xx success, 4xx permanent, 5xx transient).
//   - Request-id context helpers used to correlate control API calls in logs.
//
// Use these helpers when wiring new network code so retry behaviour stays
// uniform across the action queue, the audio manager, and the gateway.
package services

// Command carenote inspects and drives a running carenote agent through its
// local control API: queue and audio status, manual sync, retries, capture,
// and session control.
package main

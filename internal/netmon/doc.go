// Package netmon tracks whether the upstream server is reachable.
//
// The Monitor owns the agent's ConnectivityState. It probes the configured
// health URL on a fixed interval and whenever the LinkWatcher reports a
// kernel network link event; link events alone never change the state. Only
// probe-confirmed transitions are published on the event bus, so subscribers
// (the action queue and the audio manager) see one connectivity-changed
// event per flip.
package netmon

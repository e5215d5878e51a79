// Package gateway implements the caching proxy that sits in front of the
// upstream web application.
//
// Every request is classified by a fixed policy table (api, static, document,
// other) and answered with the matching strategy: network-first for the API,
// cache-first for static assets, stale-while-revalidate for navigations, and
// network-then-cache for everything else. Successful GET responses are stored
// in a SQLite file owned by the gateway alone; cache names carry a version so
// Activate can drop stale generations wholesale.
//
// The gateway shares no state with the agent. Clients talk to it through
// Ports: they post register-sync messages and receive sync broadcasts when
// the gateway observes the upstream recovering.
package gateway

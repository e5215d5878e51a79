// Package config loads, normalizes, and validates carenote configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CARENOTE_SERVER_TOKEN. The Config type centralizes every knob the agent,
// the gateway, and the CLI need so timers, limits, and endpoints are
// discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, parsed language tags, and clear validation errors.
package config

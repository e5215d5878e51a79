// Package logging assembles structured slog loggers and formatting helpers used
// across carenote components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes helpers that stamp component names plus the event_type,
// error_hint, and impact fields every warning is expected to carry. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging

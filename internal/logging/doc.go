// Package logging assembles structured slog loggers and formatting helpers used
// across ripline.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline code can tag log lines with job
// ids, stages and correlation ids. A bounded StreamHub mirrors recent log lines
// for the daemon API, and a no-op logger is provided for tests and wiring code
// that cannot fail.
package logging

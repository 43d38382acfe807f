// Package logging assembles structured slog loggers and formatting helpers
// used across speechflow services.
//
// It centralizes level and output plumbing for the console/JSON handlers and
// exposes context-aware helpers so router and worker code can automatically
// tag log lines with job IDs, step types, and queue names. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits data with the same shape as the rest of the system.
package logging

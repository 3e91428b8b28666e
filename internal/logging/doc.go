// Package logging assembles structured slog loggers and formatting helpers used
// across specscan stages.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so stage code tags log lines with run ids,
// stage names and tile keys. Run logs are written as JSON alongside the
// console stream and pruned by age. A no-op logger is provided for tests and
// wiring code that cannot fail.
package logging

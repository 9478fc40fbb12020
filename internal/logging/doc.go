// Package logging assembles structured slog loggers and formatting helpers used
// across Conveyor services.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so orchestration code can
// automatically tag log lines with task IDs, queue entry IDs, stages, capability
// classes and correlation IDs. The daemon tees human-readable console output to
// stdout and JSON lines to its log file. The package also provides a no-op
// logger for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape and routing as the rest of the system.
package logging

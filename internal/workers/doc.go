// Package workers runs maintenance jobs on the per-class worker commands
// (codex, gemini, claude style CLIs) configured for the dispatcher.
package workers

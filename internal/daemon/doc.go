// Package daemon coordinates the long-running Conveyor process.
//
// It wires the queue store, the workflow manager and the worker dispatcher
// into a single lifecycle with flock-based locking so only one instance
// drives a queue database, and exposes the HTTP status API used by the CLI.
//
// Keep orchestration logic here: pipeline semantics live in workflow and
// slot routing in dispatch, while the daemon focuses on startup, shutdown
// and high level coordination.
package daemon

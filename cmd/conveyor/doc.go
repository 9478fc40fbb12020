// Package main hosts the conveyor operator CLI.
//
// Task and maintenance commands open the configured queue backend directly,
// so they work whether or not the daemon is running. Control operations
// (retry, cancel, run-now) go through a workflow manager so that every
// transition is recorded in the task event log. Status and dispatcher stats
// are read from the daemon HTTP API when it answers.
package main

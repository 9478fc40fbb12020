// Package queue persists content tasks, their per-stage queue entries and the
// maintenance job stream in SQLite.
//
// A task moves through a fixed, ordered pipeline of stages. Each stage gets
// exactly one queue entry per task, keyed by (task, stage); the entry for a
// stage is only created once the previous stage's entry completed. Workers
// take entries with ClaimNext, which runs the select and the conditional
// waiting -> processing update inside a single BEGIN IMMEDIATE transaction
// so that two claimers never hold the same entry.
//
// Failure handling is split between Fail (terminal), FailTransient (counts
// against max_retries and requeues at the same priority) and Release (hands
// the entry back untouched, used for shutdown and orphan recovery).
// Completing the final stage completes the task in the same transaction.
//
// Schema changes bump SchemaVersion in schema.go; older databases are refused
// rather than migrated, so move the file aside to adopt a new schema.
//
// The pgstore subpackage implements the same contract on PostgreSQL.
package queue

// Package services defines shared utilities consumed by the orchestrator,
// the dispatcher and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, queue entry IDs, stage names,
//     capability classes and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify, which turns
//     a stage failure into a retry, fail or cancel disposition.
//
// Use these helpers when wiring new stage executors so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services

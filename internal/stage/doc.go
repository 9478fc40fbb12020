// Package stage defines the contract between the pipeline orchestrator and
// the external workers that run each stage.
//
// Executors return a Result on success. Failures are tagged with markers from
// internal/services so the orchestrator can decide between retry and
// failure, and busy signals surface as *BusyError for the conflict resolver.
// The httpstage and cmdstage subpackages provide the two shipped transports.
package stage

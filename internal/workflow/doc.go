// Package workflow advances tasks through the configured pipeline stages.
//
// The Manager owns the per-task state machine. A scheduler loop activates
// due tasks and enqueues their first stage; HandleEntry runs one claimed
// queue entry through its stage executor (behind the conflict resolver and a
// hard per-stage timeout), then either enqueues the next stage, counts a
// retry, or fails the task. A sweep loop returns work abandoned by dead
// processes or silent heartbeats to the queue and archives old completed
// tasks. Manual Retry, Cancel and RunNow are the operator controls.
//
// The Manager never claims entries itself; the dispatcher claims them and
// calls HandleEntry from one of its worker slots.
package workflow

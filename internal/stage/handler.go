package stage

import (
	"context"

	"conveyor/internal/queue"
)

// Executor is the contract the orchestrator needs from each stage worker.
// Execute returns the stage output on success. Failures carry a marker from
// internal/services (ErrTransient, ErrFatal, ErrTimeout) or a *BusyError when
// the worker reports a conflicting operation on a shared resource.
type Executor interface {
	Execute(context.Context, Request) (Result, error)
	HealthCheck(context.Context) Health
}

// Request is the input for a single stage invocation. Payload is the task's
// opaque payload and is forwarded unchanged.
type Request struct {
	TaskID    string
	Stage     queue.Stage
	Title     string
	Payload   []byte
	Attempt   int
	RequestID string
}

// Result carries the opaque stage output persisted on the queue entry.
type Result struct {
	Output []byte
}

// Func adapts a plain function to the Executor interface. HealthCheck always
// reports ready.
type Func func(context.Context, Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// HealthCheck reports the function executor as ready.
func (f Func) HealthCheck(context.Context) Health {
	return Healthy("func")
}

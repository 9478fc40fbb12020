package conflict

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultCeiling      = 15 * time.Minute
)

// WaitState tracks one conflict wait.
type WaitState struct {
	Resource string
	Start    time.Time
	Waited   time.Duration
	Polls    int
	Resolved bool
}

// Invocation is a stage call guarded by the resolver. Call may be invoked
// twice: once initially and once after the conflict clears.
type Invocation struct {
	TaskID string
	Stage  string
	Call   func(context.Context) (stage.Result, error)
}

// Result is the outcome of the final stage call. Wait is nil when the first
// call did not report a conflict.
type Result struct {
	Stage stage.Result
	Wait  *WaitState
}

// Resolver runs stage calls and waits out busy signals.
type Resolver struct {
	checker  StatusChecker
	cancels  CancelChecker
	clock    Clock
	interval time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock injects the time source.
func WithClock(clock Clock) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithPollInterval overrides the status polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithCeiling overrides the maximum wait.
func WithCeiling(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ceiling = d
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a resolver. cancels may be nil when tasks cannot be cancelled.
func New(checker StatusChecker, cancels CancelChecker, opts ...Option) *Resolver {
	r := &Resolver{
		checker:  checker,
		cancels:  cancels,
		clock:    SystemClock{},
		interval: DefaultPollInterval,
		ceiling:  DefaultCeiling,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run invokes the call and, on a busy signal, waits for the conflicting
// operation before re-invoking once. A second busy signal is fatal. The wait
// ends early with services.ErrCancelled when the task is cancelled and with a
// *TimeoutError once the ceiling elapses.
func (r *Resolver) Run(ctx context.Context, inv Invocation) (Result, error) {
	res, err := inv.Call(ctx)
	busy, ok := stage.AsBusy(err)
	if !ok {
		return Result{Stage: res}, err
	}

	logger := logging.WithContext(ctx, r.logger).With(
		logging.String(logging.FieldTaskID, inv.TaskID),
		logging.String(logging.FieldStage, inv.Stage),
		logging.String("conflict_resource", busy.Resource),
	)
	state := &WaitState{Resource: busy.Resource, Start: r.clock.Now()}
	logger.Info("waiting on conflicting operation",
		logging.String(logging.FieldEventType, "conflict_wait_start"),
		logging.Duration("poll_interval", r.interval),
		logging.Duration("ceiling", r.ceiling),
	)

	if err := r.wait(ctx, inv, busy.Resource, state, logger); err != nil {
		return Result{Wait: state}, err
	}

	// The re-invocation may publish; a cancel that landed during the last
	// poll must stop it.
	if err := r.checkCancelled(ctx, inv, state, logger); err != nil {
		return Result{Wait: state}, err
	}
	logger.Info("conflict resolved, re-invoking stage",
		logging.String(logging.FieldEventType, "conflict_resolved"),
		logging.Duration("waited", state.Waited),
		logging.Int("polls", state.Polls),
	)
	res, err = inv.Call(ctx)
	if _, again := stage.AsBusy(err); again {
		return Result{Wait: state}, services.Wrap(services.ErrFatal, inv.Stage, "conflict", "resource still busy after conflict resolved", err)
	}
	return Result{Stage: res, Wait: state}, err
}

func (r *Resolver) wait(ctx context.Context, inv Invocation, resource string, state *WaitState, logger *slog.Logger) error {
	for {
		if err := r.checkCancelled(ctx, inv, state, logger); err != nil {
			return err
		}

		state.Waited = r.clock.Now().Sub(state.Start)
		if state.Waited >= r.ceiling {
			logging.WarnWithContext(logger, "conflict wait ceiling reached", "conflict_timeout",
				logging.Duration("waited", state.Waited),
				logging.String(logging.FieldErrorHint, "check the conflicting operation, then retry the task"),
				logging.String(logging.FieldImpact, "stage marked failed"),
			)
			return &TimeoutError{Stage: inv.Stage, Resource: resource, Waited: state.Waited}
		}

		if err := r.clock.Sleep(ctx, min(r.interval, r.ceiling-state.Waited)); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return services.Wrap(services.ErrTimeout, inv.Stage, "conflict", "wait interrupted", err)
		}
		state.Waited = r.clock.Now().Sub(state.Start)
		state.Polls++

		if err := r.checkCancelled(ctx, inv, state, logger); err != nil {
			return err
		}
		if resource == "" {
			// No id to poll; retry the stage after one interval.
			state.Resolved = true
			return nil
		}
		if r.checker == nil {
			continue
		}
		status, err := r.checker.Status(ctx, resource)
		if err != nil {
			logger.Warn("conflict status check failed",
				logging.String(logging.FieldEventType, "conflict_status_error"),
				logging.Error(err),
			)
			continue
		}
		logger.Debug("conflict status polled",
			logging.String("conflict_status", string(status)),
			logging.Duration("waited", state.Waited),
		)
		if status.Terminal() {
			state.Resolved = true
			return nil
		}
	}
}

// checkCancelled returns services.ErrCancelled once the task is cancelled.
func (r *Resolver) checkCancelled(ctx context.Context, inv Invocation, state *WaitState, logger *slog.Logger) error {
	if !r.cancelled(ctx, inv.TaskID, logger) {
		return nil
	}
	logger.Info("conflict wait aborted by cancellation",
		logging.String(logging.FieldEventType, "conflict_wait_cancelled"),
		logging.Duration("waited", state.Waited),
	)
	return services.Wrap(services.ErrCancelled, inv.Stage, "conflict", "task cancelled while waiting", nil)
}

func (r *Resolver) cancelled(ctx context.Context, taskID string, logger *slog.Logger) bool {
	if r.cancels == nil || taskID == "" {
		return false
	}
	cancelled, err := r.cancels.IsCancelled(ctx, taskID)
	if err != nil {
		logger.Warn("cancellation check failed", logging.Error(err))
		return false
	}
	return cancelled
}

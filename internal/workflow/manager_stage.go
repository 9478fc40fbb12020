package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/conflict"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/stageexec"
)

const releaseTimeout = 10 * time.Second

// HandleEntry runs one claimed entry through its stage. class names the
// worker class that carries the call and only feeds logging. The returned
// error is nil when the stage completed or the task was cancelled; stage
// failures are persisted before they are returned.
func (m *Manager) HandleEntry(ctx context.Context, entry *queue.Entry, class string) error {
	if entry == nil {
		return errors.New("queue entry is required")
	}
	ctx = services.WithTaskID(ctx, entry.TaskID)
	ctx = services.WithEntryID(ctx, entry.ID)
	ctx = services.WithStage(ctx, string(entry.Stage))
	if class != "" {
		ctx = services.WithClass(ctx, class)
	}
	logger := logging.WithContext(ctx, m.logger)
	m.setLastEntry(entry)

	task, err := m.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			_, failErr := m.store.Fail(ctx, entry.Ref(), "task not found")
			return errors.Join(err, failErr)
		}
		m.releaseEntry(ctx, logger, entry)
		return fmt.Errorf("load task: %w", err)
	}

	// Stage boundary: a cancel that landed after the claim stops here.
	if task.CancelRequested || task.Status == queue.TaskCancelled {
		return m.finishCancelled(ctx, logger, entry)
	}

	exec, ok := m.executors.Get(entry.Stage)
	if !ok {
		stageErr := services.Wrap(services.ErrConfiguration, string(entry.Stage), "dispatch", "no executor configured", nil)
		return m.failEntry(ctx, logger, entry, stageErr)
	}

	req := stage.Request{
		TaskID:    task.ID,
		Stage:     entry.Stage,
		Title:     task.Title,
		Payload:   task.Payload,
		Attempt:   entry.RetryCount + 1,
		RequestID: uuid.NewString(),
	}
	m.event(ctx, task.ID, entry.Stage, queue.EventInfo, stageexec.Describe(req)+" started")

	res, lost, runErr := m.runWithHeartbeat(ctx, entry, func(runCtx context.Context) (conflict.Result, error) {
		return m.resolver.Run(runCtx, conflict.Invocation{
			TaskID: task.ID,
			Stage:  string(entry.Stage),
			Call: func(callCtx context.Context) (stage.Result, error) {
				callCtx, cancel := context.WithTimeout(callCtx, m.stageTimeout)
				defer cancel()
				return stageexec.Run(callCtx, stageexec.Options{Logger: m.logger, Executor: exec, Request: req})
			},
		})
	})
	if res.Wait != nil {
		m.event(ctx, task.ID, entry.Stage, queue.EventWarn,
			fmt.Sprintf("waited %s on conflicting operation %s", res.Wait.Waited.Round(time.Second), res.Wait.Resource))
	}

	if lost != nil {
		return m.dropLostClaim(logger, entry, lost)
	}
	if ctx.Err() != nil {
		// Shutdown: hand the entry back without spending a retry.
		m.releaseEntry(ctx, logger, entry)
		return ctx.Err()
	}

	cancelled, err := m.store.IsCancelled(ctx, task.ID)
	if err != nil {
		logger.Warn("post-stage cancellation check failed", logging.Error(err))
	}
	if cancelled {
		return m.finishCancelled(ctx, logger, entry)
	}

	if runErr != nil {
		return m.handleStageFailure(ctx, logger, entry, runErr)
	}
	return m.completeEntry(ctx, logger, entry, res.Stage.Output)
}

// runWithHeartbeat runs fn while a heartbeat keeps the claim alive. If the
// heartbeat finds the claim gone, fn's context is cancelled and the cause is
// returned as lost.
func (m *Manager) runWithHeartbeat(ctx context.Context, entry *queue.Entry, fn func(context.Context) (conflict.Result, error)) (res conflict.Result, lost error, err error) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	hbCtx, hbCancel := context.WithCancel(runCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, entry.Ref(), cancelRun)

	res, err = fn(runCtx)
	hbCancel()
	hbWG.Wait()
	if ctx.Err() == nil && runCtx.Err() != nil {
		if cause := context.Cause(runCtx); claimLost(cause) {
			return res, cause, err
		}
	}
	return res, nil, err
}

// dropLostClaim abandons the outcome of a call whose entry was reclaimed by
// another worker. That worker owns every further transition.
func (m *Manager) dropLostClaim(logger *slog.Logger, entry *queue.Entry, cause error) error {
	m.bump(func(c *Counters) { c.Dropped++ })
	logging.WarnWithContext(logger, "entry claim lost; stage outcome dropped", "claim_lost",
		logging.Int64("claim_seq", entry.ClaimSeq),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "raise workflow.heartbeat_timeout if stage calls outlive it"),
	)
	return fmt.Errorf("entry %d: %w", entry.ID, queue.ErrClaimLost)
}

func (m *Manager) completeEntry(ctx context.Context, logger *slog.Logger, entry *queue.Entry, output []byte) error {
	completed, err := m.store.Complete(ctx, entry.Ref(), output)
	if claimLost(err) {
		return m.dropLostClaim(logger, entry, err)
	}
	if err != nil {
		m.setLastError(err)
		return fmt.Errorf("persist stage result: %w", err)
	}
	m.bump(func(c *Counters) { c.Completed++ })
	m.setLastEntry(completed)

	next, ok := m.pipeline.Next(entry.Stage)
	if !ok {
		m.event(ctx, entry.TaskID, entry.Stage, queue.EventInfo, "pipeline completed")
		logger.Info("task completed",
			logging.String(logging.FieldEventType, "task_complete"),
		)
		return nil
	}
	if _, err := m.store.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:     entry.TaskID,
		Stage:      next,
		Priority:   entry.Priority,
		MaxRetries: entry.MaxRetries,
	}); err != nil {
		m.setLastError(err)
		return fmt.Errorf("enqueue %s: %w", next, err)
	}
	m.event(ctx, entry.TaskID, entry.Stage, queue.EventInfo, fmt.Sprintf("%s completed; %s queued", entry.Stage, next))
	logger.Info("stage advanced",
		logging.String(logging.FieldEventType, "stage_advanced"),
		logging.String("next_stage", string(next)),
	)
	return nil
}

func (m *Manager) finishCancelled(ctx context.Context, logger *slog.Logger, entry *queue.Entry) error {
	if _, err := m.store.AbandonCancelled(ctx, entry.Ref()); err != nil {
		if claimLost(err) {
			return m.dropLostClaim(logger, entry, err)
		}
		m.setLastError(err)
		return fmt.Errorf("abandon cancelled entry: %w", err)
	}
	m.bump(func(c *Counters) { c.Cancelled++ })
	m.event(ctx, entry.TaskID, entry.Stage, queue.EventWarn, "cancelled; stage result discarded")
	logger.Info("task cancelled at stage boundary",
		logging.String(logging.FieldEventType, "task_cancelled"),
	)
	return nil
}

func (m *Manager) releaseEntry(ctx context.Context, logger *slog.Logger, entry *queue.Entry) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := m.store.Release(releaseCtx, entry.Ref()); err != nil {
		logger.Warn("failed to release entry; the sweep will recover it",
			logging.Error(err),
			logging.String(logging.FieldEventType, "entry_release_failed"),
		)
		return
	}
	m.bump(func(c *Counters) { c.Released++ })
	logger.Debug("entry released")
}

package workflow

import (
	"context"
	"errors"
	"fmt"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// ErrInvalidRetry marks a manual retry the task's state does not allow.
var ErrInvalidRetry = errors.New("invalid retry")

// Retry resumes a failed or cancelled task. An empty target resumes at the
// failed stage. Entries for stages after target are deleted, the target entry
// restarts with a fresh retry budget and the task becomes active again.
func (m *Manager) Retry(ctx context.Context, taskID string, target queue.Stage) (*queue.Entry, error) {
	if target != "" && !m.pipeline.Contains(target) {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRetry, target)
	}
	entry, err := m.store.RetryTask(ctx, taskID, target)
	switch {
	case errors.Is(err, queue.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: %w", ErrInvalidRetry, err)
	case errors.Is(err, queue.ErrStageOrder):
		return nil, fmt.Errorf("%w: stage not reached yet: %w", ErrInvalidRetry, err)
	case errors.Is(err, queue.ErrUnknownStage):
		return nil, fmt.Errorf("%w: %w", ErrInvalidRetry, err)
	case err != nil:
		return nil, err
	}
	m.event(ctx, taskID, entry.Stage, queue.EventInfo, fmt.Sprintf("manual retry from %s", entry.Stage))
	logging.WithContext(ctx, m.logger).Info("task retry requested",
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldStage, string(entry.Stage)),
		logging.String(logging.FieldEventType, "task_retry"),
	)
	return entry, nil
}

// Cancel requests cancellation. Waiting entries fail immediately; an
// in-flight stage call finishes the cancellation when it returns.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*queue.Task, error) {
	task, err := m.store.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	message := "cancellation requested; waiting for the running stage"
	if task.Status == queue.TaskCancelled {
		message = "cancelled"
	}
	m.event(ctx, taskID, task.Stage, queue.EventWarn, message)
	logging.WithContext(ctx, m.logger).Info("task cancel requested",
		logging.String(logging.FieldTaskID, taskID),
		logging.String("status", string(task.Status)),
		logging.String(logging.FieldEventType, "task_cancel"),
	)
	return task, nil
}

// RunNow makes a scheduled task due immediately.
func (m *Manager) RunNow(ctx context.Context, taskID string) (*queue.Task, error) {
	task, err := m.store.RunNow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.event(ctx, taskID, "", queue.EventInfo, "force-execute requested")
	return task, nil
}

func (m *Manager) event(ctx context.Context, taskID string, stageName queue.Stage, level queue.EventLevel, message string) {
	if err := m.store.AppendEvent(context.WithoutCancel(ctx), taskID, stageName, level, message); err != nil {
		m.logger.Debug("append task event failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.Error(err),
		)
	}
}

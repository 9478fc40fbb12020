package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

const maxErrorMessage = 1000

// handleStageFailure persists a failed stage call. Retryable failures go back
// to the queue until the entry's budget runs out; anything else fails the
// task at this stage.
func (m *Manager) handleStageFailure(ctx context.Context, logger *slog.Logger, entry *queue.Entry, stageErr error) error {
	m.setLastError(stageErr)
	if services.Classify(stageErr) != services.DispositionRetry {
		return m.failEntry(ctx, logger, entry, stageErr)
	}

	message := failureMessage(entry.Stage, stageErr)
	updated, err := m.store.FailTransient(ctx, entry.Ref(), message)
	if claimLost(err) {
		return m.dropLostClaim(logger, entry, err)
	}
	if err != nil {
		return errors.Join(stageErr, fmt.Errorf("persist transient failure: %w", err))
	}
	if updated.Status == queue.EntryWaiting {
		m.bump(func(c *Counters) { c.Retried++ })
		m.event(ctx, entry.TaskID, entry.Stage, queue.EventWarn,
			fmt.Sprintf("attempt %d/%d failed, will retry: %s", updated.RetryCount, updated.MaxRetries, message))
		logging.WarnWithContext(logger, "stage failed, retry scheduled", "stage_retry",
			logging.Int("retry_count", updated.RetryCount),
			logging.Int("max_retries", updated.MaxRetries),
			logging.String("error_message", message),
			logging.String(logging.FieldErrorHint, "transient failure; the entry is back in the queue"),
			logging.String(logging.FieldImpact, "stage delayed"),
		)
		return stageErr
	}
	return m.failTask(ctx, logger, entry, updated.RetryCount, message, stageErr)
}

func (m *Manager) failEntry(ctx context.Context, logger *slog.Logger, entry *queue.Entry, stageErr error) error {
	message := failureMessage(entry.Stage, stageErr)
	updated, err := m.store.Fail(ctx, entry.Ref(), message)
	if claimLost(err) {
		return m.dropLostClaim(logger, entry, err)
	}
	if err != nil {
		return errors.Join(stageErr, fmt.Errorf("persist stage failure: %w", err))
	}
	return m.failTask(ctx, logger, entry, updated.RetryCount, message, stageErr)
}

func (m *Manager) failTask(ctx context.Context, logger *slog.Logger, entry *queue.Entry, retries int, message string, stageErr error) error {
	m.setLastError(stageErr)
	if err := m.store.MarkTaskFailed(ctx, entry.TaskID, entry.Stage, message); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
		return errors.Join(stageErr, fmt.Errorf("persist task failure: %w", err))
	}
	m.bump(func(c *Counters) { c.Failed++ })
	m.event(ctx, entry.TaskID, entry.Stage, queue.EventError, "failed: "+message)
	logging.ErrorWithContext(logger, "task failed", "task_failed",
		logging.Alert("stage_failure"),
		logging.Int("retry_count", retries),
		logging.String("error_message", message),
		logging.String(logging.FieldErrorHint, "fix the cause, then run conveyor task retry "+entry.TaskID),
		logging.Error(stageErr),
	)
	return stageErr
}

func failureMessage(stageName queue.Stage, err error) string {
	message := ""
	if err != nil {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		message = fmt.Sprintf("%s failed without error detail", stageName)
	}
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage] + "..."
	}
	return message
}

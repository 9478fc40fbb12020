package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// Start runs one recovery sweep and then launches the scheduler and sweep
// loops in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.pipeline) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(2)
	m.mu.Unlock()

	if _, err := m.Sweep(runCtx); err != nil {
		m.logger.Warn("startup sweep failed; stale entries may remain until the next sweep",
			logging.Error(err),
			logging.String(logging.FieldEventType, "sweep_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
	}

	go m.runScheduler(runCtx)
	go m.runSweeper(runCtx)
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runScheduler(ctx context.Context) {
	defer m.wg.Done()
	for {
		if _, err := m.ScheduleDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			m.logger.Error("failed to activate due tasks",
				logging.Error(err),
				logging.String(logging.FieldEventType, "schedule_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		if !sleepCtx(ctx, m.pollInterval) {
			return
		}
	}
}

func (m *Manager) runSweeper(ctx context.Context) {
	defer m.wg.Done()
	for {
		if !sleepCtx(ctx, m.sweepInterval) {
			return
		}
		if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.setLastError(err)
			m.logger.Warn("sweep failed; stale entries may remain until the next sweep",
				logging.Error(err),
				logging.String(logging.FieldEventType, "sweep_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
	}
}

// ScheduleDue activates every scheduled task whose start time has passed and
// enqueues its first stage. It returns the number of tasks activated.
func (m *Manager) ScheduleDue(ctx context.Context) (int, error) {
	activated := 0
	for {
		tasks, err := m.store.DueTasks(ctx, m.now(), dueBatchSize)
		if err != nil {
			return activated, fmt.Errorf("list due tasks: %w", err)
		}
		progressed := false
		for _, task := range tasks {
			entry, err := m.store.ActivateTask(ctx, task.ID)
			if errors.Is(err, queue.ErrInvalidTransition) {
				// Cancelled or activated by another process in the meantime.
				continue
			}
			if err != nil {
				return activated, fmt.Errorf("activate task %s: %w", task.ID, err)
			}
			progressed = true
			activated++
			m.event(ctx, task.ID, entry.Stage, queue.EventInfo, "task activated; "+string(entry.Stage)+" queued")
			logging.WithContext(ctx, m.logger).Info("task activated",
				logging.String(logging.FieldTaskID, task.ID),
				logging.String(logging.FieldStage, string(entry.Stage)),
				logging.String(logging.FieldEventType, "task_activated"),
				logging.String("title", task.Title),
			)
		}
		if len(tasks) < dueBatchSize || !progressed {
			return activated, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

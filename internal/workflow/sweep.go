package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// SweepReport summarizes one recovery sweep.
type SweepReport struct {
	Orphaned int64 `json:"orphaned"`
	Stale    int64 `json:"stale"`
	Advanced int   `json:"advanced"`
	Archived int64 `json:"archived"`
}

// ProcessAlive reports whether the process that claimed work is still
// running. Owners on other hosts are assumed alive; the heartbeat timeout
// covers them.
func ProcessAlive(owner queue.Owner) bool {
	if owner.IsZero() || owner.PID <= 0 {
		return true
	}
	host, err := os.Hostname()
	if err != nil || owner.Host != host {
		return true
	}
	err = unix.Kill(owner.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Sweep releases entries orphaned by dead local processes or silent
// heartbeats, re-enqueues the next stage for tasks stranded between stages
// and archives completed tasks past the retention window.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	logger := logging.WithContext(ctx, m.logger)

	orphaned, err := m.store.ReleaseOrphaned(ctx, m.alive)
	if err != nil {
		return report, fmt.Errorf("release orphaned entries: %w", err)
	}
	report.Orphaned = orphaned

	stale, err := m.heartbeat.ReclaimStale(ctx, m.now())
	if err != nil {
		return report, fmt.Errorf("release stale entries: %w", err)
	}
	report.Stale = stale

	advanced, err := m.advanceStranded(ctx)
	if err != nil {
		return report, err
	}
	report.Advanced = advanced

	if m.archiveAfter > 0 {
		archived, err := m.store.ArchiveCompleted(ctx, m.now().Add(-m.archiveAfter))
		if err != nil {
			return report, fmt.Errorf("archive completed tasks: %w", err)
		}
		report.Archived = archived
	}

	m.mu.Lock()
	m.lastSweep = m.now()
	m.mu.Unlock()

	if report.Orphaned > 0 || report.Stale > 0 || report.Advanced > 0 || report.Archived > 0 {
		logger.Info("sweep recovered work",
			logging.String(logging.FieldEventType, "sweep_summary"),
			logging.Int64("orphaned", report.Orphaned),
			logging.Int64("stale", report.Stale),
			logging.Int("advanced", report.Advanced),
			logging.Int64("archived", report.Archived),
		)
	}
	return report, nil
}

// advanceStranded enqueues the next stage for active tasks whose latest entry
// completed but whose successor was never created, which happens when a
// process dies between completing one stage and enqueuing the next.
func (m *Manager) advanceStranded(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx, queue.TaskActive)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	advanced := 0
	for _, task := range tasks {
		if task.CancelRequested {
			continue
		}
		entries, err := m.store.ListEntries(ctx, task.ID)
		if err != nil {
			return advanced, fmt.Errorf("list entries for %s: %w", task.ID, err)
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		if last.Status != queue.EntryCompleted {
			continue
		}
		next, ok := m.pipeline.Next(last.Stage)
		if !ok {
			continue
		}
		_, err = m.store.Enqueue(ctx, queue.EnqueueRequest{
			TaskID:     task.ID,
			Stage:      next,
			Priority:   last.Priority,
			MaxRetries: last.MaxRetries,
		})
		if errors.Is(err, queue.ErrDuplicateStage) {
			continue
		}
		if err != nil {
			return advanced, fmt.Errorf("enqueue %s for %s: %w", next, task.ID, err)
		}
		advanced++
		m.event(ctx, task.ID, next, queue.EventWarn, fmt.Sprintf("recovered: %s queued after restart", next))
	}
	return advanced, nil
}

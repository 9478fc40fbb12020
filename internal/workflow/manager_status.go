package workflow

import (
	"context"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                     `json:"running"`
	Owner       string                   `json:"owner"`
	Pipeline    []string                 `json:"pipeline"`
	LastError   string                   `json:"last_error,omitempty"`
	LastEntry   *queue.Entry             `json:"last_entry,omitempty"`
	LastSweep   *time.Time               `json:"last_sweep,omitempty"`
	TaskCounts  map[queue.TaskStatus]int `json:"task_counts"`
	QueueStats  []queue.StageStats       `json:"queue_stats"`
	StageHealth []stage.Health           `json:"stage_health"`
	Counters    Counters                 `json:"counters"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Owner:    m.owner.String(),
		Pipeline: m.pipeline.Strings(),
		Counters: m.snapshotCounters(),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastEntry != nil {
		copied := *m.lastEntry
		summary.LastEntry = &copied
	}
	if !m.lastSweep.IsZero() {
		sweep := m.lastSweep
		summary.LastSweep = &sweep
	}
	m.mu.RUnlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats
	counts, err := m.store.TaskCounts(ctx)
	if err != nil {
		m.logger.Warn("failed to read task counts", logging.Error(err))
	}
	summary.TaskCounts = counts
	if m.executors != nil {
		summary.StageHealth = m.executors.HealthCheck(ctx)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastEntry(entry *queue.Entry) {
	m.mu.Lock()
	if entry != nil {
		copied := *entry
		m.lastEntry = &copied
	} else {
		m.lastEntry = nil
	}
	m.mu.Unlock()
}

func (m *Manager) bump(fn func(*Counters)) {
	m.mu.Lock()
	fn(&m.counters)
	m.mu.Unlock()
}

// snapshotCounters must be called with m.mu held.
func (m *Manager) snapshotCounters() Counters {
	return m.counters
}

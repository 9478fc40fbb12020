package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/conflict"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

const dueBatchSize = 50

// Manager coordinates the pipeline state machine for every task.
type Manager struct {
	cfg       *config.Config
	store     Store
	pipeline  queue.Pipeline
	executors Executors
	resolver  *conflict.Resolver
	logger    *slog.Logger
	owner     queue.Owner
	now       func() time.Time
	alive     func(queue.Owner) bool

	stageTimeout  time.Duration
	pollInterval  time.Duration
	sweepInterval time.Duration
	archiveAfter  time.Duration

	heartbeat *HeartbeatMonitor

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastEntry *queue.Entry
	lastSweep time.Time
	counters  Counters
}

// Counters tallies entry outcomes handled since start.
type Counters struct {
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Released  int64 `json:"released"`
	Dropped   int64 `json:"dropped"`
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithResolver replaces the conflict resolver built from configuration.
func WithResolver(r *conflict.Resolver) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithOwner sets the identity recorded on claimed entries.
func WithOwner(owner queue.Owner) ManagerOption {
	return func(m *Manager) {
		m.owner = owner
	}
}

// WithClock replaces the wall clock used for scheduling decisions.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithProcessChecker replaces the owner liveness check used by the sweep.
func WithProcessChecker(alive func(queue.Owner) bool) ManagerOption {
	return func(m *Manager) {
		if alive != nil {
			m.alive = alive
		}
	}
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store Store, executors Executors, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "workflow")
	m := &Manager{
		cfg:           cfg,
		store:         store,
		pipeline:      store.Pipeline(),
		executors:     executors,
		logger:        logger,
		owner:         queue.CurrentOwner(""),
		now:           time.Now,
		alive:         ProcessAlive,
		stageTimeout:  cfg.StageTimeout(),
		pollInterval:  seconds(cfg.Workflow.QueuePollInterval),
		sweepInterval: seconds(cfg.Workflow.SweepInterval),
		archiveAfter:  time.Duration(cfg.Workflow.ArchiveAfterHours) * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = conflict.New(
			conflict.NewHTTPStatusChecker(cfg.Conflict.StatusURL, seconds(cfg.Conflict.RequestTimeout)),
			store,
			conflict.WithPollInterval(seconds(cfg.Conflict.PollInterval)),
			conflict.WithCeiling(seconds(cfg.Conflict.WaitCeiling)),
			conflict.WithLogger(logger),
		)
	}
	m.heartbeat = NewHeartbeatMonitor(
		store,
		logger,
		seconds(cfg.Workflow.HeartbeatInterval),
		seconds(cfg.Workflow.HeartbeatTimeout),
	)
	return m
}

// Owner returns the identity this manager records on claimed entries.
func (m *Manager) Owner() queue.Owner {
	return m.owner
}

// Pipeline returns the stage order the manager drives.
func (m *Manager) Pipeline() queue.Pipeline {
	return m.pipeline
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// Package queueaccess opens the queue backend selected in configuration and
// exposes it through one interface shared by the daemon and the CLI.
package queueaccess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/queue/pgstore"
)

// Backend is the full queue contract implemented by both *queue.Store and
// *pgstore.Store.
type Backend interface {
	Pipeline() queue.Pipeline

	CreateTask(ctx context.Context, nt queue.NewTask) (*queue.Task, error)
	GetTask(ctx context.Context, id string) (*queue.Task, error)
	ListTasks(ctx context.Context, statuses ...queue.TaskStatus) ([]*queue.Task, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*queue.Task, error)
	ActivateTask(ctx context.Context, id string) (*queue.Entry, error)
	MarkTaskFailed(ctx context.Context, id string, stage queue.Stage, message string) error
	MarkTaskCancelled(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) (*queue.Task, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	RetryTask(ctx context.Context, id string, target queue.Stage) (*queue.Entry, error)
	RunNow(ctx context.Context, id string) (*queue.Task, error)
	ArchiveCompleted(ctx context.Context, cutoff time.Time) (int64, error)
	AppendEvent(ctx context.Context, taskID string, stage queue.Stage, level queue.EventLevel, message string) error
	ListEvents(ctx context.Context, taskID string) ([]queue.TaskEvent, error)

	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Entry, error)
	GetEntry(ctx context.Context, id int64) (*queue.Entry, error)
	ListEntries(ctx context.Context, taskID string) ([]*queue.Entry, error)
	ListEntriesByStatus(ctx context.Context, statuses ...queue.EntryStatus) ([]*queue.Entry, error)
	ClaimNext(ctx context.Context, req queue.ClaimRequest) (*queue.Entry, error)
	Heartbeat(ctx context.Context, ref queue.EntryRef) error
	Complete(ctx context.Context, ref queue.EntryRef, result []byte) (*queue.Entry, error)
	Fail(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error)
	FailTransient(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error)
	Release(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error)
	AbandonCancelled(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error)
	InvalidateAfter(ctx context.Context, taskID string, stage queue.Stage) (int64, error)
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseOrphaned(ctx context.Context, alive func(queue.Owner) bool) (int64, error)
	ReleaseOwned(ctx context.Context, owner queue.Owner) (int64, error)

	Stats(ctx context.Context) ([]queue.StageStats, error)
	TaskCounts(ctx context.Context) (map[queue.TaskStatus]int, error)
	CheckHealth(ctx context.Context) (queue.DatabaseHealth, error)

	AddMaintenanceJob(ctx context.Context, nj queue.NewMaintenanceJob) (*queue.MaintenanceJob, error)
	GetMaintenanceJob(ctx context.Context, id int64) (*queue.MaintenanceJob, error)
	ClaimMaintenanceJob(ctx context.Context, worker string, exclude ...int64) (*queue.MaintenanceJob, error)
	ResolveMaintenanceJob(ctx context.Context, id int64, note string) error
	ReopenMaintenanceJob(ctx context.Context, id int64, worker string, cause error) error
	CloseMaintenanceJob(ctx context.Context, id int64, note string) error
	ListMaintenanceJobs(ctx context.Context, statuses ...queue.JobStatus) ([]*queue.MaintenanceJob, error)
	ReopenOrphanedJobs(ctx context.Context, alive func(queue.Owner) bool) (int, error)
}

var (
	_ Backend = (*queue.Store)(nil)
	_ Backend = (*pgstore.Store)(nil)
)

// Session represents an open backend and its cleanup function.
type Session struct {
	Backend Backend
	Driver  string
	close   func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open connects to the backend named by cfg.Queue.Driver. logger receives
// query traces for the PostgreSQL backend and may be nil.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Session, error) {
	if cfg == nil {
		return Session{}, fmt.Errorf("open queue store: config is required")
	}
	pipeline := queue.NewPipeline(cfg.Pipeline.Stages)
	switch cfg.Queue.Driver {
	case "", config.DriverSQLite:
		store, err := queue.Open(cfg)
		if err != nil {
			return Session{}, fmt.Errorf("open queue store: %w", err)
		}
		return Session{Backend: store, Driver: config.DriverSQLite, close: store.Close}, nil
	case config.DriverPostgres:
		opts := []pgstore.Option{}
		if logger != nil {
			opts = append(opts, pgstore.WithLogger(logger))
		}
		store, err := pgstore.Open(ctx, cfg.Queue.PostgresDSN, pipeline, opts...)
		if err != nil {
			return Session{}, fmt.Errorf("open queue store: %w", err)
		}
		return Session{Backend: store, Driver: config.DriverPostgres, close: store.Close}, nil
	default:
		return Session{}, fmt.Errorf("open queue store: unknown driver %q", cfg.Queue.Driver)
	}
}

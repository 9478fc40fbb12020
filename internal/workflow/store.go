package workflow

import (
	"context"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/stage"
)

// Store is the subset of the queue contract the manager drives.
type Store interface {
	Pipeline() queue.Pipeline

	GetTask(ctx context.Context, id string) (*queue.Task, error)
	ListTasks(ctx context.Context, statuses ...queue.TaskStatus) ([]*queue.Task, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*queue.Task, error)
	ActivateTask(ctx context.Context, id string) (*queue.Entry, error)
	MarkTaskFailed(ctx context.Context, id string, stage queue.Stage, message string) error
	RequestCancel(ctx context.Context, id string) (*queue.Task, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	RetryTask(ctx context.Context, id string, target queue.Stage) (*queue.Entry, error)
	RunNow(ctx context.Context, id string) (*queue.Task, error)
	ArchiveCompleted(ctx context.Context, cutoff time.Time) (int64, error)
	AppendEvent(ctx context.Context, taskID string, stage queue.Stage, level queue.EventLevel, message string) error

	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Entry, error)
	ListEntries(ctx context.Context, taskID string) ([]*queue.Entry, error)
	Heartbeat(ctx context.Context, ref queue.EntryRef) error
	Complete(ctx context.Context, ref queue.EntryRef, result []byte) (*queue.Entry, error)
	Fail(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error)
	FailTransient(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error)
	Release(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error)
	AbandonCancelled(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error)
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseOrphaned(ctx context.Context, alive func(queue.Owner) bool) (int64, error)

	Stats(ctx context.Context) ([]queue.StageStats, error)
	TaskCounts(ctx context.Context) (map[queue.TaskStatus]int, error)
}

// Executors resolves the stage executor for a pipeline stage.
type Executors interface {
	Get(name queue.Stage) (stage.Executor, bool)
	HealthCheck(ctx context.Context) []stage.Health
}

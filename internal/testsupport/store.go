package testsupport

import (
	"context"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTask creates a task due immediately with the given retry budget.
func NewTask(t testing.TB, store *queue.Store, title string, maxRetries int) *queue.Task {
	t.Helper()

	task, err := store.CreateTask(context.Background(), queue.NewTask{
		Title:       title,
		MaxRetries:  maxRetries,
		ScheduledAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("store.CreateTask: %v", err)
	}
	return task
}

// ActiveTask creates a task and activates it, returning the task and the
// waiting first-stage entry.
func ActiveTask(t testing.TB, store *queue.Store, title string, maxRetries int) (*queue.Task, *queue.Entry) {
	t.Helper()

	task := NewTask(t, store, title, maxRetries)
	entry, err := store.ActivateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("store.ActivateTask: %v", err)
	}
	return task, entry
}

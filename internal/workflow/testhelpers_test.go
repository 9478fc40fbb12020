package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/conflict"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/internal/stageexec"
	"conveyor/internal/testsupport"
	"conveyor/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type statusFunc func(ctx context.Context, resource string) (conflict.Status, error)

func (f statusFunc) Status(ctx context.Context, resource string) (conflict.Status, error) {
	return f(ctx, resource)
}

type harness struct {
	cfg      *config.Config
	store    *queue.Store
	registry *stageexec.Registry
	manager  *workflow.Manager
	clock    *fakeClock
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	checker conflict.StatusChecker
	opts    []workflow.ManagerOption
}

func withStatusChecker(checker conflict.StatusChecker) harnessOption {
	return func(c *harnessConfig) { c.checker = checker }
}

func withManagerOptions(opts ...workflow.ManagerOption) harnessOption {
	return func(c *harnessConfig) { c.opts = append(c.opts, opts...) }
}

func newHarness(t *testing.T, stages []string, opts ...harnessOption) *harness {
	t.Helper()
	hc := &harnessConfig{}
	for _, opt := range opts {
		opt(hc)
	}
	cfg := testsupport.NewConfig(t, testsupport.WithStages(stages...))
	store := testsupport.MustOpenStore(t, cfg)
	registry := stageexec.NewRegistry()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	resolver := conflict.New(hc.checker, store,
		conflict.WithClock(clock),
		conflict.WithPollInterval(10*time.Second),
		conflict.WithCeiling(15*time.Minute),
	)
	managerOpts := append([]workflow.ManagerOption{
		workflow.WithResolver(resolver),
		workflow.WithOwner(queue.Owner{Host: "test-host", PID: 4242, Instance: "workflow-test"}),
	}, hc.opts...)
	manager := workflow.NewManager(cfg, store, registry, nil, managerOpts...)
	return &harness{cfg: cfg, store: store, registry: registry, manager: manager, clock: clock}
}

func (h *harness) register(name string, fn stage.Func) {
	h.registry.Register(queue.Stage(name), fn)
}

func (h *harness) activeTask(t *testing.T, title string, maxRetries int, payload []byte) *queue.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, queue.NewTask{
		Title:       title,
		Payload:     payload,
		MaxRetries:  maxRetries,
		ScheduledAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := h.store.ActivateTask(ctx, task.ID); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	return task
}

// step claims the next entry and hands it to the manager. It returns false
// when the queue is empty.
func (h *harness) step(t *testing.T) (bool, error) {
	t.Helper()
	entry, err := h.store.ClaimNext(context.Background(), queue.ClaimRequest{Owner: h.manager.Owner()})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if entry == nil {
		return false, nil
	}
	return true, h.manager.HandleEntry(context.Background(), entry, "test")
}

// drain runs entries until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ok, _ := h.step(t)
		if !ok {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) task(t *testing.T, id string) *queue.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (h *harness) entries(t *testing.T, id string) []*queue.Entry {
	t.Helper()
	entries, err := h.store.ListEntries(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	return entries
}

func succeed(output string) stage.Func {
	return func(context.Context, stage.Request) (stage.Result, error) {
		return stage.Result{Output: []byte(output)}, nil
	}
}

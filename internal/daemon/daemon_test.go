package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/dispatch"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/internal/stageexec"
	"conveyor/internal/testsupport"
	"conveyor/internal/workflow"
)

type fixture struct {
	cfg     *config.Config
	store   *queue.Store
	manager *workflow.Manager
	daemon  *daemon.Daemon
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script", "publish"))
	cfg.Paths.APIToken = token
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)

	registry := stageexec.NewRegistry()
	ok := stage.Func(func(_ context.Context, req stage.Request) (stage.Result, error) {
		return stage.Result{Output: []byte(string(req.Stage) + " done")}, nil
	})
	registry.Register("script", ok)
	registry.Register("publish", ok)

	manager := workflow.NewManager(cfg, store, registry, nil)
	d := newDaemon(t, cfg, store, manager)
	return &fixture{cfg: cfg, store: store, manager: manager, daemon: d}
}

func newDaemon(t *testing.T, cfg *config.Config, store *queue.Store, manager *workflow.Manager) *daemon.Daemon {
	t.Helper()
	routing := dispatch.BuildRouting(cfg, nil, nil)
	source := dispatch.NewPipelineSource(store, manager, manager.Owner(), nil)
	disp := dispatch.New(routing.Capacity, routing.Chain, []dispatch.Source{source},
		dispatch.WithPollInterval(10*time.Millisecond))
	d, err := daemon.New(cfg, store, nil, manager, disp)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := f.daemon.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.Database == nil || !status.Database.Reachable {
		t.Fatalf("expected database health in status, got %+v", status.Database)
	}
	if len(status.Dispatcher) != 3 {
		t.Fatalf("expected three worker classes, got %d", len(status.Dispatcher))
	}

	if err := f.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other := newDaemon(t, f.cfg, f.store, workflow.NewManager(f.cfg, f.store, stageexec.NewRegistry(), nil))
	if err := other.Start(ctx); err == nil {
		t.Fatal("expected a second instance to be refused by the lock")
	}

	f.daemon.Stop()
	if f.daemon.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if f.daemon.APIAddress() != "" {
		t.Fatal("expected API listener to be closed")
	}
}

func TestDaemonRunsTaskThroughPipeline(t *testing.T) {
	f := newFixture(t, "")
	task, _ := testsupport.ActiveTask(t, f.store, "Longform: history of tea", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := f.store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == queue.TaskCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not complete, status %s at %s", got.Status, got.Stage)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Slot accounting settles just after the stage call returns.
	for {
		processed := 0
		for _, class := range f.daemon.Status(ctx).Dispatcher {
			processed += class.Processed
		}
		if processed == 2 {
			break
		}
		if processed > 2 || time.Now().After(deadline) {
			t.Fatalf("expected two dispatched stage runs, got %d", processed)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAPIServesStatusAndTasks(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	task, err := f.store.CreateTask(ctx, queue.NewTask{
		Title:       "scheduled later",
		MaxRetries:  3,
		ScheduledAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client := daemon.NewClient(f.daemon.APIAddress(), "")
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("client.Status: %v", err)
	}
	if !status.Running || len(status.Workflow.Pipeline) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	stats, err := client.Dispatcher(ctx)
	if err != nil {
		t.Fatalf("client.Dispatcher: %v", err)
	}
	if stats.PoolSize != 10 || len(stats.Classes) != 3 {
		t.Fatalf("unexpected dispatcher stats %+v", stats)
	}

	base := "http://" + f.daemon.APIAddress()
	resp, err := http.Get(base + "/api/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail daemon.TaskDetailResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Task == nil || detail.Task.ID != task.ID {
		t.Fatalf("unexpected task detail %+v", detail.Task)
	}

	missing, err := http.Get(base + "/api/tasks/nope")
	if err != nil {
		t.Fatalf("GET missing task: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", missing.StatusCode)
	}

	retry, err := http.Post(base+"/api/tasks/"+task.ID+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST retry: %v", err)
	}
	retry.Body.Close()
	if retry.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 retrying a scheduled task, got %d", retry.StatusCode)
	}

	bad, err := http.Get(base + "/api/tasks?status=bogus")
	if err != nil {
		t.Fatalf("GET tasks: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", bad.StatusCode)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := daemon.NewClient(f.daemon.APIAddress(), "").Status(ctx); err == nil {
		t.Fatal("expected unauthenticated request to fail")
	}
	if _, err := daemon.NewClient(f.daemon.APIAddress(), "wrong").Status(ctx); err == nil {
		t.Fatal("expected wrong token to fail")
	}
	if _, err := daemon.NewClient(f.daemon.APIAddress(), "s3cret").Status(ctx); err != nil {
		t.Fatalf("expected authorized request to succeed: %v", err)
	}
}

package workflow_test

import (
	"context"
	"os"
	"testing"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/workflow"
)

func TestScheduleDueAndRunNow(t *testing.T) {
	h := newHarness(t, []string{"script"})
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, queue.NewTask{Title: "later", ScheduledAt: time.Now().Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	activated, err := h.manager.ScheduleDue(ctx)
	if err != nil {
		t.Fatalf("ScheduleDue: %v", err)
	}
	if activated != 0 {
		t.Fatalf("expected future task to stay scheduled, activated %d", activated)
	}

	if _, err := h.manager.RunNow(ctx, task.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	activated, err = h.manager.ScheduleDue(ctx)
	if err != nil {
		t.Fatalf("ScheduleDue: %v", err)
	}
	if activated != 1 {
		t.Fatalf("expected one activation, got %d", activated)
	}
	got := h.task(t, task.ID)
	if got.Status != queue.TaskActive || got.Stage != "script" {
		t.Fatalf("expected active task at script, got %s at %s", got.Status, got.Stage)
	}
	if _, err := h.manager.RunNow(ctx, task.ID); err == nil {
		t.Fatal("expected RunNow on an active task to fail")
	}
}

func TestSweepReleasesOrphanedEntries(t *testing.T) {
	h := newHarness(t, []string{"script"}, withManagerOptions(
		workflow.WithProcessChecker(func(queue.Owner) bool { return false }),
	))
	task := h.activeTask(t, "orphan", 3, nil)
	ctx := context.Background()
	if _, err := h.store.ClaimNext(ctx, queue.ClaimRequest{Owner: queue.Owner{Host: "gone", PID: 1234, Instance: "old"}}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	report, err := h.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Orphaned != 1 {
		t.Fatalf("expected one orphan released, got %+v", report)
	}
	entries := h.entries(t, task.ID)
	if entries[0].Status != queue.EntryWaiting || !entries[0].Owner.IsZero() {
		t.Fatalf("expected released entry, got %s owned by %q", entries[0].Status, entries[0].Owner)
	}
}

func TestSweepAdvancesStrandedTask(t *testing.T) {
	h := newHarness(t, []string{"script", "image"})
	task := h.activeTask(t, "stranded", 3, nil)
	ctx := context.Background()
	entry, err := h.store.ClaimNext(ctx, queue.ClaimRequest{Owner: h.manager.Owner()})
	if err != nil || entry == nil {
		t.Fatalf("ClaimNext: %v %v", entry, err)
	}
	if _, err := h.store.Complete(ctx, entry.Ref(), []byte("done")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	report, err := h.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Advanced != 1 {
		t.Fatalf("expected one stranded task advanced, got %+v", report)
	}
	entries := h.entries(t, task.ID)
	if len(entries) != 2 || entries[1].Stage != "image" || entries[1].Status != queue.EntryWaiting {
		t.Fatalf("expected image queued, got %d entries", len(entries))
	}

	again, err := h.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if again.Advanced != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %+v", again)
	}
}

func TestProcessAlive(t *testing.T) {
	host, err := os.Hostname()
	if err != nil {
		t.Skipf("hostname unavailable: %v", err)
	}
	if !workflow.ProcessAlive(queue.Owner{Host: host, PID: os.Getpid(), Instance: "self"}) {
		t.Fatal("expected current process to be alive")
	}
	if !workflow.ProcessAlive(queue.Owner{Host: "elsewhere", PID: 1, Instance: "x"}) {
		t.Fatal("expected remote owners to be assumed alive")
	}
	if workflow.ProcessAlive(queue.Owner{Host: host, PID: 1 << 22, Instance: "dead"}) {
		t.Fatal("expected nonexistent pid to be reported dead")
	}
}

func TestStatusSummary(t *testing.T) {
	h := newHarness(t, []string{"script", "image"})
	h.register("script", succeed("s"))
	h.register("image", succeed("i"))
	h.activeTask(t, "summarize", 3, nil)
	h.drain(t)

	status := h.manager.Status(context.Background())
	if status.Counters.Completed != 2 {
		t.Fatalf("expected two completed entries, got %+v", status.Counters)
	}
	if status.TaskCounts[queue.TaskCompleted] != 1 {
		t.Fatalf("expected one completed task, got %v", status.TaskCounts)
	}
	if len(status.StageHealth) != 2 {
		t.Fatalf("expected health for two stages, got %d", len(status.StageHealth))
	}
	if status.Owner != "test-host:4242:workflow-test" {
		t.Fatalf("unexpected owner %q", status.Owner)
	}
}

package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"conveyor/internal/daemonctl"
	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

func TestProcessInfoReadsPIDFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	if alive, _ := daemonctl.ProcessInfo(cfg); alive {
		t.Fatal("expected no daemon without a pid file")
	}
	if _, err := daemonctl.StopAndTerminate(cfg, time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}

	if err := os.WriteFile(daemonctl.PIDPath(cfg), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	alive, pid := daemonctl.ProcessInfo(cfg)
	if !alive || pid != os.Getpid() {
		t.Fatalf("expected live pid %d, got alive=%v pid=%d", os.Getpid(), alive, pid)
	}
	if _, err := daemonctl.StopAndTerminate(cfg, time.Second); err == nil {
		t.Fatal("expected refusal to signal the current process")
	}
}

func TestBuildStatusSnapshotFallsBackToQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script", "publish"))
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.NewTask(t, store, "offline one", 3)
	testsupport.ActiveTask(t, store, "offline two", 3)

	status, err := daemonctl.BuildStatusSnapshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if status.Running {
		t.Fatal("expected offline snapshot to report not running")
	}
	if status.Workflow.TaskCounts[queue.TaskScheduled] != 1 || status.Workflow.TaskCounts[queue.TaskActive] != 1 {
		t.Fatalf("unexpected task counts %+v", status.Workflow.TaskCounts)
	}
	if status.Database == nil || !status.Database.Reachable {
		t.Fatalf("expected database health, got %+v", status.Database)
	}
}

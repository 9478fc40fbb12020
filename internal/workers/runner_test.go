package workers_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
	"conveyor/internal/workers"
)

func sampleJob() *queue.MaintenanceJob {
	return &queue.MaintenanceJob{
		ID:       12,
		Title:    "Fix subtitle drift",
		Summary:  "captions lag by 2s after the intro",
		Priority: queue.PriorityP1,
	}
}

func TestRunnerPassesPromptAndRecordsNote(t *testing.T) {
	dir := t.TempDir()
	script := testsupport.WriteScript(t, filepath.Join(dir, "worker"),
		`echo "mode=$1 job=$CONVEYOR_JOB_ID class=$CONVEYOR_CLASS"
printf '%s' "$2" | head -n 1
`)
	runner := workers.NewRunner([]config.WorkerClass{
		{Name: "deep-reasoning", Command: script, Args: []string{"-p"}, TimeoutSeconds: 10},
	}, nil)

	note, err := runner.Run(context.Background(), "deep-reasoning", sampleJob())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := "[deep-reasoning] mode=-p job=12 class=deep-reasoning\nMaintenance job #12"
	if note != want {
		t.Fatalf("unexpected note %q, want %q", note, want)
	}
}

func TestRunnerReportsExitFailure(t *testing.T) {
	dir := t.TempDir()
	script := testsupport.WriteScript(t, filepath.Join(dir, "worker"), "echo 'quota exhausted' >&2\nexit 3\n")
	runner := workers.NewRunner([]config.WorkerClass{{Name: "planning", Command: script}}, nil)

	_, err := runner.Run(context.Background(), "planning", sampleJob())
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 3: quota exhausted") {
		t.Fatalf("expected exit detail in %q", err.Error())
	}
}

func TestRunnerEnforcesClassTimeout(t *testing.T) {
	dir := t.TempDir()
	script := testsupport.WriteScript(t, filepath.Join(dir, "worker"), "exec sleep 5\n")
	runner := workers.NewRunner([]config.WorkerClass{{Name: "high-throughput", Command: script, TimeoutSeconds: 1}}, nil)

	start := time.Now()
	_, err := runner.Run(context.Background(), "high-throughput", sampleJob())
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestRunnerRejectsUnknownClass(t *testing.T) {
	runner := workers.NewRunner(nil, nil)
	_, err := runner.Run(context.Background(), "gpu", sampleJob())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPromptMentionsPreviousFailure(t *testing.T) {
	job := sampleJob()
	job.FailureHistory = []queue.FailureRecord{{Worker: "planning", Error: "exit status 1"}}
	prompt := workers.Prompt(job)
	for _, want := range []string{"Maintenance job #12", "Title: Fix subtitle drift", "Priority: P1", "Details: captions lag", "last error from planning: exit status 1"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestNoteDefaultsAndTruncates(t *testing.T) {
	if got := workers.Note("planning", "  \n"); got != "[planning] completed" {
		t.Fatalf("unexpected empty note %q", got)
	}
	long := strings.Repeat("x", 800)
	if got := workers.Note("planning", long); len(got) != len("[planning] ")+500 {
		t.Fatalf("expected truncated note, got length %d", len(got))
	}
}

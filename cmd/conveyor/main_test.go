package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conveyor/internal/queue"
)

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	path := filepath.Join(base, "conveyor.toml")
	body := strings.Join([]string{
		"[paths]",
		`state_dir = "` + filepath.Join(base, "state") + `"`,
		`api_bind = ""`,
		"",
		"[pipeline]",
		`stages = ["script", "publish"]`,
		`executor_url = "http://127.0.0.1:1/stages"`,
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunCLI(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, configPath, args...)
	if err != nil {
		t.Fatalf("conveyor %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestTaskLifecycleCommands(t *testing.T) {
	cfg := writeCLIConfig(t)

	out := mustRunCLI(t, cfg, "task", "add", "Longform: history of tea", "--id", "tea", "--at", "1h", "--payload", `{"lang":"en"}`)
	if !strings.Contains(out, "Task tea scheduled") {
		t.Fatalf("unexpected add output: %q", out)
	}

	out = mustRunCLI(t, cfg, "task", "list", "--status", "scheduled")
	if !strings.Contains(out, "tea") || !strings.Contains(out, "scheduled") {
		t.Fatalf("expected scheduled task in list, got:\n%s", out)
	}

	out = mustRunCLI(t, cfg, "task", "run-now", "tea")
	if !strings.Contains(out, "started at Script") {
		t.Fatalf("unexpected run-now output: %q", out)
	}

	out = mustRunCLI(t, cfg, "-o", "json", "task", "show", "tea")
	var detail taskDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode show output: %v\n%s", err, out)
	}
	if detail.Task.Status != queue.TaskActive || len(detail.Entries) != 1 {
		t.Fatalf("expected active task with one entry, got %+v", detail)
	}
	if string(detail.Task.Payload) != `{"lang":"en"}` {
		t.Fatalf("payload not preserved: %q", detail.Task.Payload)
	}

	out = mustRunCLI(t, cfg, "task", "cancel", "tea")
	if !strings.Contains(out, "Task tea cancelled") {
		t.Fatalf("unexpected cancel output: %q", out)
	}

	out = mustRunCLI(t, cfg, "task", "retry", "tea")
	if !strings.Contains(out, "queued at Script") {
		t.Fatalf("unexpected retry output: %q", out)
	}

	out = mustRunCLI(t, cfg, "task", "log", "tea")
	if !strings.Contains(out, "Script") {
		t.Fatalf("expected stage events in log, got:\n%s", out)
	}

	if _, err := runCLI(t, cfg, "task", "retry", "tea", "--stage", "publish"); err == nil {
		t.Fatal("expected retry of an active task to fail")
	}
	if _, err := runCLI(t, cfg, "task", "show", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestQueueCommands(t *testing.T) {
	cfg := writeCLIConfig(t)
	mustRunCLI(t, cfg, "task", "add", "quick thumbnail", "--id", "thumb")
	mustRunCLI(t, cfg, "task", "run-now", "thumb")

	out := mustRunCLI(t, cfg, "queue", "stats")
	if !strings.Contains(out, "Script") || !strings.Contains(out, "active") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}

	out = mustRunCLI(t, cfg, "queue", "recover", "--older-than", "1m")
	if !strings.Contains(out, "Released 0 stale entries") {
		t.Fatalf("unexpected recover output: %q", out)
	}

	if _, err := runCLI(t, cfg, "queue", "release", "abc"); err == nil {
		t.Fatal("expected invalid entry id to be rejected")
	}

	out = mustRunCLI(t, cfg, "queue", "health")
	if !strings.Contains(out, "sqlite") {
		t.Fatalf("unexpected health output:\n%s", out)
	}
}

func TestMaintCommands(t *testing.T) {
	cfg := writeCLIConfig(t)

	out := mustRunCLI(t, cfg, "maint", "add", "fix flaky upload", "--summary", "publish times out", "-p", "p1")
	if !strings.Contains(out, "#1 filed (P1)") {
		t.Fatalf("unexpected add output: %q", out)
	}
	if _, err := runCLI(t, cfg, "maint", "add", "bad", "-p", "P9"); err == nil {
		t.Fatal("expected invalid priority to be rejected")
	}

	out = mustRunCLI(t, cfg, "maint", "list")
	if !strings.Contains(out, "fix flaky upload") || !strings.Contains(out, "open") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	out = mustRunCLI(t, cfg, "maint", "close", "#1", "--note", "duplicate")
	if !strings.Contains(out, "#1 closed") {
		t.Fatalf("unexpected close output: %q", out)
	}

	out = mustRunCLI(t, cfg, "-o", "yaml", "maint", "list", "--status", "closed")
	if !strings.Contains(out, "status: closed") || !strings.Contains(out, "resolution_note: duplicate") {
		t.Fatalf("unexpected yaml output:\n%s", out)
	}
}

func TestStatusWithoutDaemon(t *testing.T) {
	cfg := writeCLIConfig(t)
	mustRunCLI(t, cfg, "task", "add", "later", "--at", "2h")

	out := mustRunCLI(t, cfg, "status")
	if !strings.Contains(out, "not running") || !strings.Contains(out, "script -> publish") {
		t.Fatalf("unexpected status output:\n%s", out)
	}

	if _, err := runCLI(t, cfg, "stats"); err == nil || !strings.Contains(err.Error(), "running daemon") {
		t.Fatalf("expected stats to require a daemon, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HOME", base)
	target := filepath.Join(base, "cfg", "conveyor.toml")

	out := mustRunCLI(t, "", "config", "init", "--path", target)
	if !strings.Contains(out, target) {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out = mustRunCLI(t, target, "config", "validate")
	if !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "10 slots across 3 classes") {
		t.Fatalf("unexpected validate output:\n%s", out)
	}
}

func TestOutputFormatValidation(t *testing.T) {
	cfg := writeCLIConfig(t)
	if _, err := runCLI(t, cfg, "-o", "xml", "task", "list"); err == nil {
		t.Fatal("expected unsupported output format to fail")
	}
}

func TestParseScheduleTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseScheduleTime("", now)
	if err != nil || !got.Equal(now) {
		t.Fatalf("empty value: got %v, %v", got, err)
	}
	got, err = parseScheduleTime("90m", now)
	if err != nil || !got.Equal(now.Add(90*time.Minute)) {
		t.Fatalf("delay: got %v, %v", got, err)
	}
	got, err = parseScheduleTime("2026-03-02T08:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: got %v, %v", got, err)
	}
	if _, err := parseScheduleTime("-5m", now); err == nil {
		t.Fatal("expected negative delay to be rejected")
	}
	if _, err := parseScheduleTime("tomorrow", now); err == nil {
		t.Fatal("expected garbage to be rejected")
	}
}

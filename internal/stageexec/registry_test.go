package stageexec_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/stage/cmdstage"
	"conveyor/internal/stage/httpstage"
	"conveyor/internal/stageexec"
	"conveyor/internal/testsupport"
)

func TestBuildSelectsExecutorPerStage(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script", "video"))
	cfg.Pipeline.ExecutorURL = "http://127.0.0.1:9/api/stages/"
	cfg.Pipeline.Executors = map[string]config.StageExecutor{
		"video": {Kind: config.ExecutorCommand, Command: "render-video", Args: []string{"--fast"}},
	}

	reg, err := stageexec.Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	script, ok := reg.Get("script")
	if !ok {
		t.Fatal("expected script executor")
	}
	httpExec, ok := script.(*httpstage.Executor)
	if !ok {
		t.Fatalf("expected http executor, got %T", script)
	}
	if httpExec.URL() != "http://127.0.0.1:9/api/stages/script" {
		t.Fatalf("unexpected url %q", httpExec.URL())
	}
	video, _ := reg.Get("video")
	cmdExec, ok := video.(*cmdstage.Executor)
	if !ok || cmdExec.Command() != "render-video" {
		t.Fatalf("expected command executor, got %T", video)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script"))
	cfg.Pipeline.Executors = map[string]config.StageExecutor{"script": {Kind: "grpc"}}
	if _, err := stageexec.Build(cfg, nil); err == nil {
		t.Fatal("expected error for unknown executor kind")
	}
}

func TestRunLogsFailureEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	exec := stage.Func(func(context.Context, stage.Request) (stage.Result, error) {
		return stage.Result{}, stage.Transient("image", "execute", "503", nil)
	})

	_, err := stageexec.Run(context.Background(), stageexec.Options{
		Logger:   logger,
		Executor: exec,
		Request:  stage.Request{TaskID: "t1", Stage: "image", Attempt: 1},
	})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"event_type":"stage_start"`, `"event_type":"stage_failure"`, `"disposition":"retry"`, `"stage":"image"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output:\n%s", want, out)
		}
	}
}

func TestLabel(t *testing.T) {
	if got := stageexec.Label("deep-reasoning"); got != "Deep Reasoning" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := stageexec.Label("publish"); got != "Publish" {
		t.Fatalf("unexpected label %q", got)
	}
}

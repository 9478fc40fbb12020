package cmdstage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/stage/cmdstage"
	"conveyor/internal/testsupport"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	testsupport.WriteScript(t, path, body)
	return path
}

func TestExecuteEchoesPayload(t *testing.T) {
	path := script(t, `printf '%s:' "$CONVEYOR_STAGE"; cat`)
	res, err := cmdstage.New("script", path, nil).Execute(context.Background(), stage.Request{
		TaskID:  "t1",
		Stage:   "script",
		Payload: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if string(res.Output) != "script:hello" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestExecuteExitCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want services.Disposition
	}{
		{"transient", "echo 'upstream 503' >&2; exit 75", services.DispositionRetry},
		{"fatal", "echo 'bad input' >&2; exit 2", services.DispositionFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cmdstage.New("image", script(t, tc.body), nil).Execute(context.Background(), stage.Request{TaskID: "t", Stage: "image"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := services.Classify(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestExecuteBusyExit(t *testing.T) {
	path := script(t, `echo '{"resource":"render-7"}'; exit 16`)
	_, err := cmdstage.New("video", path, nil).Execute(context.Background(), stage.Request{TaskID: "t", Stage: "video"})
	busy, ok := stage.AsBusy(err)
	if !ok {
		t.Fatalf("expected busy error, got %v", err)
	}
	if busy.Resource != "render-7" {
		t.Fatalf("unexpected resource %q", busy.Resource)
	}
}

func TestExecuteTimeout(t *testing.T) {
	path := script(t, "exec sleep 5")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cmdstage.New("publish", path, nil).Execute(ctx, stage.Request{TaskID: "t", Stage: "publish"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExecuteMissingBinaryIsFatal(t *testing.T) {
	_, err := cmdstage.New("script", filepath.Join(t.TempDir(), "missing"), nil).Execute(context.Background(), stage.Request{TaskID: "t"})
	if services.Classify(err) != services.DispositionFail {
		t.Fatalf("expected fatal disposition, got %v", err)
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool marker, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	if h := cmdstage.New("script", script(t, "exit 0"), nil).HealthCheck(context.Background()); !h.Ready {
		t.Fatalf("expected ready, got %+v", h)
	}
	if h := cmdstage.New("script", "definitely-not-a-real-binary-xyz", nil).HealthCheck(context.Background()); h.Ready {
		t.Fatal("expected missing command to be unhealthy")
	}
}

package httpstage_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/stage/httpstage"
)

func TestExecuteSuccessForwardsPayload(t *testing.T) {
	var got map[string]any
	var requestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"script":"ok"}`))
	}))
	defer server.Close()

	exec := httpstage.New("script", server.URL)
	res, err := exec.Execute(context.Background(), stage.Request{
		TaskID:    "t1",
		Stage:     "script",
		Attempt:   2,
		Payload:   []byte(`{"topic":"cats"}`),
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if string(res.Output) != `{"script":"ok"}` {
		t.Fatalf("unexpected output %q", res.Output)
	}
	if requestID != "req-1" {
		t.Fatalf("expected request id header, got %q", requestID)
	}
	if got["task_id"] != "t1" || got["stage"] != "script" {
		t.Fatalf("unexpected body %v", got)
	}
	payload, ok := got["payload"].(map[string]any)
	if !ok || payload["topic"] != "cats" {
		t.Fatalf("expected payload forwarded as JSON, got %v", got["payload"])
	}
}

func TestExecuteConflictReturnsBusyError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"taskId":"other-42","message":"script in progress"}`))
	}))
	defer server.Close()

	_, err := httpstage.New("script", server.URL).Execute(context.Background(), stage.Request{TaskID: "t1", Stage: "script"})
	busy, ok := stage.AsBusy(err)
	if !ok {
		t.Fatalf("expected busy error, got %v", err)
	}
	if busy.Resource != "other-42" {
		t.Fatalf("unexpected resource %q", busy.Resource)
	}
	if !errors.Is(err, stage.ErrResourceBusy) {
		t.Fatal("expected ErrResourceBusy match")
	}
}

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   services.Disposition
	}{
		{"server error", http.StatusBadGateway, services.DispositionRetry},
		{"rate limited", http.StatusTooManyRequests, services.DispositionRetry},
		{"bad request", http.StatusBadRequest, services.DispositionFail},
		{"not found", http.StatusNotFound, services.DispositionFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			_, err := httpstage.New("image", server.URL).Execute(context.Background(), stage.Request{TaskID: "t", Stage: "image"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := services.Classify(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestExecuteDeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := httpstage.New("video", server.URL).Execute(ctx, stage.Request{TaskID: "t", Stage: "video"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !services.IsTransient(err) {
		t.Fatal("expected timeout to be transient")
	}
}

func TestExecuteUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := httpstage.New("publish", url).Execute(context.Background(), stage.Request{TaskID: "t", Stage: "publish"})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	if h := httpstage.New("script", server.URL).HealthCheck(context.Background()); !h.Ready {
		t.Fatalf("expected ready, got %+v", h)
	}
	if h := httpstage.New("script", "").HealthCheck(context.Background()); h.Ready {
		t.Fatal("expected unconfigured executor to be unhealthy")
	}
}

// Package httpstage runs pipeline stages by posting the task to an HTTP
// worker endpoint.
package httpstage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/services"
	"conveyor/internal/stage"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorSnippet  = 512
)

// Executor posts stage requests to URL.
type Executor struct {
	name       string
	url        string
	httpClient *http.Client
}

// Option customizes the executor.
type Option func(*Executor)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// New constructs an executor for stageName posting to url. Deadlines come
// from the caller's context rather than the client.
func New(stageName, url string, opts ...Option) *Executor {
	e := &Executor{
		name:       strings.TrimSpace(stageName),
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URL returns the endpoint the executor posts to.
func (e *Executor) URL() string {
	return e.url
}

type requestBody struct {
	TaskID  string          `json:"task_id"`
	Stage   string          `json:"stage"`
	Title   string          `json:"title,omitempty"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type conflictBody struct {
	TaskID     string `json:"taskId"`
	ConflictID string `json:"conflict_id"`
	Resource   string `json:"resource"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

func (c conflictBody) resource() string {
	for _, v := range []string{c.ConflictID, c.Resource, c.TaskID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Execute posts the request and maps the response to a stage outcome:
// 2xx succeeds, 409 is a busy signal, 408/429/5xx and network errors are
// transient and other statuses are fatal.
func (e *Executor) Execute(ctx context.Context, req stage.Request) (stage.Result, error) {
	body, err := json.Marshal(requestBody{
		TaskID:  req.TaskID,
		Stage:   string(req.Stage),
		Title:   req.Title,
		Attempt: req.Attempt,
		Payload: encodePayload(req.Payload),
	})
	if err != nil {
		return stage.Result{}, stage.Fatal(e.name, "encode request", "", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, e.name, "build request", "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return stage.Result{}, e.transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return stage.Result{}, e.transportError(ctx, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return stage.Result{Output: data}, nil
	case resp.StatusCode == http.StatusConflict:
		var conflict conflictBody
		_ = json.Unmarshal(data, &conflict)
		message := conflict.Message
		if message == "" {
			message = conflict.Error
		}
		return stage.Result{}, &stage.BusyError{Stage: e.name, Resource: conflict.resource(), Message: message}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return stage.Result{}, stage.Transient(e.name, "execute", statusMessage(resp.StatusCode, data), nil)
	default:
		return stage.Result{}, stage.Fatal(e.name, "execute", statusMessage(resp.StatusCode, data), nil)
	}
}

func (e *Executor) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, e.name, "execute", "stage call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, e.name, "execute", "stage call timed out", err)
	}
	return stage.Transient(e.name, "execute", "stage worker unreachable", err)
}

// HealthCheck reports whether the worker endpoint accepts connections.
func (e *Executor) HealthCheck(ctx context.Context) stage.Health {
	if e.url == "" {
		return stage.Unhealthy(e.name, "executor url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.url, nil)
	if err != nil {
		return stage.Unhealthy(e.name, err.Error())
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return stage.Unhealthy(e.name, fmt.Sprintf("unreachable: %v", err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return stage.Unhealthy(e.name, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return stage.Healthy(e.name)
}

// encodePayload forwards JSON payloads as-is and anything else as a JSON string.
func encodePayload(payload []byte) json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return quoted
}

func statusMessage(code int, body []byte) string {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	if snippet == "" {
		return fmt.Sprintf("status %d", code)
	}
	return fmt.Sprintf("status %d: %s", code, snippet)
}

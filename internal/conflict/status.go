package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the state of a conflicting operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the operation has finished either way.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a raw status string. Anything not terminal is pending.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// StatusChecker queries the state of the operation holding a resource.
type StatusChecker interface {
	Status(ctx context.Context, resource string) (Status, error)
}

// CancelChecker reports whether a task has been cancelled.
type CancelChecker interface {
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

// HTTPStatusChecker polls GET {BaseURL}/{resource} and reads {"status": "..."}.
type HTTPStatusChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStatusChecker builds a checker rooted at baseURL. timeout bounds
// each request; zero uses 10s.
func NewHTTPStatusChecker(baseURL string, timeout time.Duration) *HTTPStatusChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStatusChecker{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Status fetches the current state of resource.
func (c *HTTPStatusChecker) Status(ctx context.Context, resource string) (Status, error) {
	if c.baseURL == "" {
		return StatusPending, fmt.Errorf("conflict status url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(resource), nil)
	if err != nil {
		return StatusPending, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return StatusPending, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return StatusPending, fmt.Errorf("status request: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return StatusPending, fmt.Errorf("decode status response: %w", err)
	}
	return ParseStatus(body.Status), nil
}

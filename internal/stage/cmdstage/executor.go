// Package cmdstage runs pipeline stages as local worker commands. The task
// payload is written to the command's stdin and its stdout becomes the stage
// output.
//
// Exit status conventions:
//
//	0                success
//	75 (EX_TEMPFAIL) transient failure, retried while attempts remain
//	16 (EBUSY)       resource busy; stdout may carry {"resource": "<id>"}
//	anything else    fatal failure
package cmdstage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Exit codes recognised from worker commands.
const (
	ExitTransient = 75
	ExitBusy      = 16
)

const (
	maxStderrSnippet = 512
	waitDelay        = 5 * time.Second
)

// Executor runs Command with Args for one stage.
type Executor struct {
	name    string
	command string
	args    []string
	env     []string
}

// Option customizes the executor.
type Option func(*Executor)

// WithEnv appends extra KEY=VALUE pairs to the worker environment.
func WithEnv(env ...string) Option {
	return func(e *Executor) {
		e.env = append(e.env, env...)
	}
}

// New constructs a command executor.
func New(stageName, command string, args []string, opts ...Option) *Executor {
	e := &Executor{
		name:    strings.TrimSpace(stageName),
		command: strings.TrimSpace(command),
		args:    append([]string(nil), args...),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Command returns the configured binary.
func (e *Executor) Command() string {
	return e.command
}

// Execute runs the worker command once.
func (e *Executor) Execute(ctx context.Context, req stage.Request) (stage.Result, error) {
	if e.command == "" {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, e.name, "execute", "stage command not configured", nil)
	}
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(req.Payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"CONVEYOR_TASK_ID="+req.TaskID,
		"CONVEYOR_STAGE="+string(req.Stage),
		"CONVEYOR_TITLE="+req.Title,
		"CONVEYOR_ATTEMPT="+strconv.Itoa(req.Attempt),
		"CONVEYOR_REQUEST_ID="+req.RequestID,
	)
	cmd.Env = append(cmd.Env, e.env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return stage.Result{Output: stdout.Bytes()}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return stage.Result{}, services.Wrap(services.ErrTimeout, e.name, "execute", "stage command timed out", ctxErr)
		}
		return stage.Result{}, ctxErr
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Could not start the binary at all.
		return stage.Result{}, services.Wrap(services.ErrExternalTool, e.name, "start", e.command, errors.Join(services.ErrFatal, err))
	}
	message := describeExit(exitErr.ExitCode(), stderr.Bytes())
	switch exitErr.ExitCode() {
	case ExitTransient:
		return stage.Result{}, stage.Transient(e.name, "execute", message, nil)
	case ExitBusy:
		return stage.Result{}, &stage.BusyError{Stage: e.name, Resource: busyResource(stdout.Bytes()), Message: message}
	default:
		return stage.Result{}, stage.Fatal(e.name, "execute", message, nil)
	}
}

// HealthCheck verifies the command resolves on PATH.
func (e *Executor) HealthCheck(context.Context) stage.Health {
	if e.command == "" {
		return stage.Unhealthy(e.name, "stage command not configured")
	}
	if _, err := exec.LookPath(e.command); err != nil {
		return stage.Unhealthy(e.name, fmt.Sprintf("command %q not found", e.command))
	}
	return stage.Healthy(e.name)
}

func busyResource(stdout []byte) string {
	var body struct {
		Resource   string `json:"resource"`
		ConflictID string `json:"conflict_id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &body); err != nil {
		return ""
	}
	if body.Resource != "" {
		return strings.TrimSpace(body.Resource)
	}
	return strings.TrimSpace(body.ConflictID)
}

func describeExit(code int, stderr []byte) string {
	snippet := strings.TrimSpace(string(stderr))
	if len(snippet) > maxStderrSnippet {
		snippet = snippet[len(snippet)-maxStderrSnippet:]
	}
	if snippet == "" {
		return fmt.Sprintf("exit status %d", code)
	}
	return fmt.Sprintf("exit status %d: %s", code, snippet)
}

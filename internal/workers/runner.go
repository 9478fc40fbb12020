package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

const (
	defaultTimeout   = 5 * time.Minute
	maxNoteLength    = 500
	maxSummaryLength = 1000
	maxStderrSnippet = 300
	waitDelay        = 5 * time.Second
)

// Runner executes maintenance jobs with the worker command of a class. The
// rendered prompt is passed as the last argument.
type Runner struct {
	classes map[string]config.WorkerClass
	logger  *slog.Logger
}

// NewRunner indexes the configured classes by name.
func NewRunner(classes []config.WorkerClass, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	index := make(map[string]config.WorkerClass, len(classes))
	for _, class := range classes {
		index[class.Name] = class
	}
	return &Runner{classes: index, logger: logging.NewComponentLogger(logger, "workers")}
}

// Timeout returns the run limit of class.
func (r *Runner) Timeout(class string) time.Duration {
	if c, ok := r.classes[class]; ok && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// Run executes job on class and returns the resolution note.
func (r *Runner) Run(ctx context.Context, class string, job *queue.MaintenanceJob) (string, error) {
	if job == nil {
		return "", services.Wrap(services.ErrValidation, class, "run", "maintenance job is required", nil)
	}
	cls, ok := r.classes[class]
	if !ok || strings.TrimSpace(cls.Command) == "" {
		return "", services.Wrap(services.ErrConfiguration, class, "run", "no worker command configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout(class))
	defer cancel()

	args := append(append([]string(nil), cls.Args...), Prompt(job))
	cmd := exec.CommandContext(ctx, cls.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"CONVEYOR_JOB_ID="+strconv.FormatInt(job.ID, 10),
		"CONVEYOR_CLASS="+class,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	logger := r.logger.With(
		logging.String(logging.FieldClass, class),
		logging.Int64("job_id", job.ID),
	)
	start := time.Now()
	logger.Debug("worker command starting", logging.String("command", cls.Command))

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return "", services.Wrap(services.ErrTimeout, class, "run",
					fmt.Sprintf("worker exceeded %s", r.Timeout(class)), ctxErr)
			}
			return "", ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", services.Wrap(services.ErrExternalTool, class, "run",
				describeFailure(exitErr.ExitCode(), stderr.Bytes(), stdout.Bytes()), nil)
		}
		return "", services.Wrap(services.ErrExternalTool, class, "start", cls.Command, err)
	}

	logger.Info("worker command finished",
		logging.Duration("elapsed", time.Since(start)),
		logging.String(logging.FieldEventType, "maintenance_job_done"),
	)
	return Note(class, stdout.String()), nil
}

// Prompt renders the work request handed to a worker command.
func Prompt(job *queue.MaintenanceJob) string {
	summary := truncate(strings.TrimSpace(job.Summary), maxSummaryLength)
	var b strings.Builder
	fmt.Fprintf(&b, "Maintenance job #%d\n\n", job.ID)
	fmt.Fprintf(&b, "Title: %s\n", job.Title)
	fmt.Fprintf(&b, "Priority: %s\n", job.Priority)
	if summary != "" {
		fmt.Fprintf(&b, "Details: %s\n", summary)
	}
	if n := len(job.FailureHistory); n > 0 {
		last := job.FailureHistory[n-1]
		fmt.Fprintf(&b, "\nPrevious attempts failed %d time(s); last error from %s: %s\n", n, last.Worker, truncate(last.Error, maxStderrSnippet))
	}
	b.WriteString("\nReply with a short summary of what you changed.\n")
	return b.String()
}

// Note builds the resolution note recorded for a finished job.
func Note(class, output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return fmt.Sprintf("[%s] completed", class)
	}
	return fmt.Sprintf("[%s] %s", class, truncate(output, maxNoteLength))
}

func describeFailure(code int, stderr, stdout []byte) string {
	snippet := strings.TrimSpace(string(stderr))
	if snippet == "" {
		snippet = strings.TrimSpace(string(stdout))
	}
	if snippet == "" {
		return fmt.Sprintf("exit status %d", code)
	}
	return fmt.Sprintf("exit status %d: %s", code, truncate(snippet, maxStderrSnippet))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Options controls a single logged stage invocation.
type Options struct {
	Logger   *slog.Logger
	Executor stage.Executor
	Request  stage.Request
}

// Run executes one stage call and emits the stage_start, stage_complete and
// stage_failure log events around it. Busy signals are logged at info level
// because the conflict resolver handles them.
func Run(ctx context.Context, opts Options) (stage.Result, error) {
	if opts.Executor == nil {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, string(opts.Request.Stage), "run", "stage executor unavailable", nil)
	}
	stageCtx := services.WithStage(ctx, string(opts.Request.Stage))
	if opts.Request.RequestID != "" {
		stageCtx = services.WithRequestID(stageCtx, opts.Request.RequestID)
	}
	logger := logging.WithContext(stageCtx, opts.Logger)

	logger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("stage_label", Label(string(opts.Request.Stage))),
		logging.Int("attempt", opts.Request.Attempt),
		logging.Int("payload_bytes", len(opts.Request.Payload)),
	)

	started := time.Now()
	result, err := opts.Executor.Execute(stageCtx, opts.Request)
	elapsed := time.Since(started)

	if err != nil {
		if busy, ok := stage.AsBusy(err); ok {
			logger.Info(
				"stage reported busy resource",
				logging.String(logging.FieldEventType, "stage_busy"),
				logging.String("conflict_resource", busy.Resource),
				logging.Duration("elapsed", elapsed),
			)
			return result, err
		}
		disposition := services.Classify(err)
		if errors.Is(err, context.Canceled) {
			logger.Info(
				"stage interrupted",
				logging.String(logging.FieldEventType, "stage_interrupted"),
				logging.Duration("elapsed", elapsed),
			)
			return result, err
		}
		logging.ErrorWithContext(
			logger,
			"stage failed",
			"stage_failure",
			logging.String("disposition", disposition.String()),
			logging.String("error_message", strings.TrimSpace(err.Error())),
			logging.String(logging.FieldErrorHint, failureHint(disposition)),
			logging.Duration("elapsed", elapsed),
			logging.Error(err),
		)
		return result, err
	}

	logger.Info(
		"stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", elapsed),
		logging.Int("output_bytes", len(result.Output)),
	)
	return result, nil
}

func failureHint(d services.Disposition) string {
	switch d {
	case services.DispositionRetry:
		return "entry will be retried while attempts remain"
	case services.DispositionCancel:
		return "task was cancelled"
	default:
		return "inspect the stage worker output, then run conveyor task retry"
	}
}

var titleCaser = cases.Title(language.English)

// Label renders a stage or class name for display, e.g. "deep-reasoning" ->
// "Deep Reasoning".
func Label(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	return titleCaser.String(strings.Join(words, " "))
}

// Describe formats a one-line summary of a stage request for events.
func Describe(req stage.Request) string {
	return fmt.Sprintf("%s attempt %d", Label(string(req.Stage)), req.Attempt)
}

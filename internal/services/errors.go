package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrFatal         = errors.New("fatal failure")
	ErrCancelled     = errors.New("cancelled")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrFatal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Disposition describes what the orchestrator does with a failed stage call.
type Disposition int

const (
	// DispositionFail moves the entry to failed without an automatic retry.
	DispositionFail Disposition = iota
	// DispositionRetry requeues the entry while retries remain.
	DispositionRetry
	// DispositionCancel discards the result because the task was cancelled.
	DispositionCancel
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionCancel:
		return "cancel"
	default:
		return "fail"
	}
}

// Classify maps a stage error to its disposition. Only errors explicitly
// marked transient (or hitting a deadline) are retried; unmarked errors are
// treated as fatal so unknown failures never loop.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionFail
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return DispositionCancel
	case errors.Is(err, ErrFatal), errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return DispositionFail
	case IsTransient(err):
		return DispositionRetry
	default:
		return DispositionFail
	}
}

// IsTransient reports whether err belongs to the network/timeout/resource
// exhaustion class that is eligible for automatic retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

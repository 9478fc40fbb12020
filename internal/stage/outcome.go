package stage

import (
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/services"
)

// ErrResourceBusy marks a stage call rejected because another operation on
// the same resource is still running.
var ErrResourceBusy = errors.New("resource busy")

// BusyError reports a busy signal from a stage worker. Resource identifies
// the conflicting operation and may be empty when the worker did not say.
type BusyError struct {
	Stage    string
	Resource string
	Message  string
}

func (e *BusyError) Error() string {
	var b strings.Builder
	b.WriteString("resource busy")
	if e.Stage != "" {
		b.WriteString(": ")
		b.WriteString(e.Stage)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " (conflict %s)", e.Resource)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Is lets errors.Is match ErrResourceBusy.
func (e *BusyError) Is(target error) bool {
	return target == ErrResourceBusy
}

// AsBusy extracts a *BusyError from err.
func AsBusy(err error) (*BusyError, bool) {
	var busy *BusyError
	if errors.As(err, &busy) {
		return busy, true
	}
	return nil, false
}

// Transient wraps err as a retryable stage failure.
func Transient(stageName, operation, message string, err error) error {
	return services.Wrap(services.ErrTransient, stageName, operation, message, err)
}

// Fatal wraps err as a non-retryable stage failure.
func Fatal(stageName, operation, message string, err error) error {
	return services.Wrap(services.ErrFatal, stageName, operation, message, err)
}

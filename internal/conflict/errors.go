package conflict

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflictTimeout marks a wait that hit the ceiling without the
// conflicting operation finishing.
var ErrConflictTimeout = errors.New("conflict wait timed out")

// TimeoutError reports how long the resolver waited on Resource.
type TimeoutError struct {
	Stage    string
	Resource string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	resource := e.Resource
	if resource == "" {
		resource = "unknown"
	}
	return fmt.Sprintf("%s: %s waited %s on conflict %s", ErrConflictTimeout, e.Stage, e.Waited.Round(time.Second), resource)
}

// Is lets errors.Is match ErrConflictTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrConflictTimeout
}

package queue

import "errors"

var (
	// ErrNotFound is returned when a task, entry or maintenance job does not exist.
	ErrNotFound = errors.New("queue: not found")

	// ErrDuplicateStage is returned when a non-terminal entry already exists
	// for the (task, stage) pair.
	ErrDuplicateStage = errors.New("queue: stage already queued for task")

	// ErrStageOrder is returned when a stage is enqueued before its
	// predecessor completed.
	ErrStageOrder = errors.New("queue: previous stage not completed")

	// ErrUnknownStage is returned for stages outside the configured pipeline.
	ErrUnknownStage = errors.New("queue: unknown stage")

	// ErrNotProcessing is returned when a completion, failure or release
	// targets an entry that is not currently claimed.
	ErrNotProcessing = errors.New("queue: entry is not processing")

	// ErrClaimLost is returned when a transition carries a claim that was
	// released and possibly taken over by another worker since.
	ErrClaimLost = errors.New("queue: entry claim lost")

	// ErrClaimContended is returned by the claim operations when every
	// attempt lost a race to another claimer. Work is likely available, so
	// callers retry without backing off.
	ErrClaimContended = errors.New("queue: claim contended")

	// ErrInvalidTransition is returned when a task is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("queue: invalid status transition")

	// errClaimRace signals that another claimer took the selected row between
	// the read and the conditional update. ClaimNext retries on it.
	errClaimRace = errors.New("queue: claim race")
)

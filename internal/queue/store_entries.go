package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Enqueue creates the entry for (task, stage). A non-terminal entry for the
// pair yields ErrDuplicateStage; a terminal one is reset to waiting with a
// fresh retry budget.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Entry, error) {
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		entry, err = s.enqueueTx(ctx, tx, task, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, task *Task, req EnqueueRequest) (*Entry, error) {
	if !s.pipeline.Contains(req.Stage) {
		return nil, fmt.Errorf("enqueue %q: %w", req.Stage, ErrUnknownStage)
	}
	if err := s.requirePreviousCompleted(ctx, tx, task.ID, req.Stage); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = task.Priority
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = task.MaxRetries
	}
	now := formatTime(s.timestamp())

	existing, err := getEntryByStage(ctx, tx, task.ID, req.Stage)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_entries (task_id, stage, status, priority, retry_count, max_retries, created_at)
             VALUES (?, ?, ?, ?, 0, ?, ?)`,
			task.ID, string(req.Stage), EntryWaiting, priority, maxRetries, now,
		); err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
	case err != nil:
		return nil, err
	case !existing.Status.IsTerminal():
		return nil, fmt.Errorf("enqueue %s/%s (%s): %w", task.ID, req.Stage, existing.Status, ErrDuplicateStage)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, priority = ?, retry_count = 0, max_retries = ?, created_at = ?,
                 started_at = NULL, completed_at = NULL, heartbeat_at = NULL, last_error = NULL,
                 result = NULL, owner = NULL
             WHERE id = ?`,
			EntryWaiting, priority, maxRetries, now, existing.ID,
		); err != nil {
			return nil, fmt.Errorf("reset entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET stage = ?, updated_at = ? WHERE id = ?`, string(req.Stage), now, task.ID,
	); err != nil {
		return nil, fmt.Errorf("advance task stage: %w", err)
	}
	return getEntryByStage(ctx, tx, task.ID, req.Stage)
}

func (s *Store) requirePreviousCompleted(ctx context.Context, q querier, taskID string, stage Stage) error {
	prev, ok := s.pipeline.Previous(stage)
	if !ok {
		return nil
	}
	entry, err := getEntryByStage(ctx, q, taskID, prev)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s needs %s: %w", stage, prev, ErrStageOrder)
	}
	if err != nil {
		return err
	}
	if entry.Status != EntryCompleted {
		return fmt.Errorf("%s needs %s (%s): %w", stage, prev, entry.Status, ErrStageOrder)
	}
	return nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*Entry, error) {
	return getEntry(ensureContext(ctx), s.db, id)
}

func getEntry(ctx context.Context, q querier, id int64) (*Entry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

func getEntryByStage(ctx context.Context, q querier, taskID string, stage Stage) (*Entry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE task_id = ? AND stage = ?`, taskID, string(stage),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", taskID, stage, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns a task's entries in pipeline order.
func (s *Store) ListEntries(ctx context.Context, taskID string) ([]*Entry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	return s.sortByPipeline(entries), nil
}

// ListEntriesByStatus returns entries in the given statuses in claim order.
func (s *Store) ListEntriesByStatus(ctx context.Context, statuses ...EntryStatus) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) sortByPipeline(entries []*Entry) []*Entry {
	ordered := make([]*Entry, 0, len(entries))
	for _, stage := range s.pipeline {
		for _, entry := range entries {
			if entry.Stage == stage {
				ordered = append(ordered, entry)
			}
		}
	}
	return ordered
}

// ClaimNext atomically moves the highest priority, oldest waiting entry to
// processing, records owner and bumps the entry's claim sequence. It returns
// nil when nothing is claimable and ErrClaimContended when every attempt lost
// a race. Entries of tasks with a pending cancellation are skipped.
func (s *Store) ClaimNext(ctx context.Context, req ClaimRequest) (*Entry, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var entry *Entry
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			entry, err = s.claimTx(ctx, tx, req)
			return err
		})
		if errors.Is(err, errClaimRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, ErrClaimContended
}

func (s *Store) claimTx(ctx context.Context, tx *sql.Tx, req ClaimRequest) (*Entry, error) {
	query := `SELECT e.id FROM queue_entries e JOIN tasks t ON t.id = e.task_id
        WHERE e.status = ? AND t.status = ? AND t.cancel_requested = 0`
	args := []any{EntryWaiting, TaskActive}
	if len(req.Stages) > 0 {
		query += ` AND e.stage IN (` + makePlaceholders(len(req.Stages)) + `)`
		args = append(args, stageArgs(req.Stages)...)
	}
	if len(req.Exclude) > 0 {
		query += ` AND e.id NOT IN (` + makePlaceholders(len(req.Exclude)) + `)`
		args = append(args, idArgs(req.Exclude)...)
	}
	query += ` ORDER BY e.priority DESC, e.created_at ASC, e.id ASC LIMIT 1`

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable entry: %w", err)
	}

	now := formatTime(s.timestamp())
	res, err := tx.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, started_at = ?, heartbeat_at = ?, owner = ?, claim_seq = claim_seq + 1
         WHERE id = ? AND status = ?`,
		EntryProcessing, now, now, nullableString(req.Owner.String()), id, EntryWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errClaimRace
	}
	return getEntry(ctx, tx, id)
}

// Heartbeat refreshes the liveness timestamp of an entry still held by ref's
// claim. ErrClaimLost means the entry was released and claimed again.
func (s *Store) Heartbeat(ctx context.Context, ref EntryRef) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_entries SET heartbeat_at = ? WHERE id = ? AND status = ? AND (? = 0 OR claim_seq = ?)`,
		formatTime(s.timestamp()), ref.ID, EntryProcessing, ref.ClaimSeq, ref.ClaimSeq,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	entry, err := getEntry(ensureContext(ctx), s.db, ref.ID)
	if err != nil {
		return err
	}
	if err := checkClaim(entry, ref); err != nil {
		return err
	}
	return fmt.Errorf("heartbeat entry %d: %w", ref.ID, ErrNotProcessing)
}

// checkClaim verifies that entry is processing under ref's claim.
func checkClaim(entry *Entry, ref EntryRef) error {
	if ref.ClaimSeq != 0 && entry.ClaimSeq != ref.ClaimSeq {
		return fmt.Errorf("entry %d claim %d superseded by %d: %w", entry.ID, ref.ClaimSeq, entry.ClaimSeq, ErrClaimLost)
	}
	if entry.Status != EntryProcessing {
		return fmt.Errorf("entry %d is %s: %w", entry.ID, entry.Status, ErrNotProcessing)
	}
	return nil
}

// transitionProcessing loads an entry held by ref's claim inside a
// transaction and hands it to apply. The entry is reloaded after apply runs.
func (s *Store) transitionProcessing(ctx context.Context, ref EntryRef, apply func(tx *sql.Tx, entry *Entry, now string) error) (*Entry, error) {
	ctx = ensureContext(ctx)
	var updated *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, ref.ID)
		if err != nil {
			return err
		}
		if err := checkClaim(entry, ref); err != nil {
			return err
		}
		if err := apply(tx, entry, formatTime(s.timestamp())); err != nil {
			return err
		}
		updated, err = getEntry(ctx, tx, ref.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete marks a processing entry completed and stores its result. When the
// entry belongs to the final stage the task is completed too.
func (s *Store) Complete(ctx context.Context, ref EntryRef, result []byte) (*Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx *sql.Tx, entry *Entry, now string) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, completed_at = ?, result = ?, last_error = NULL, owner = NULL
             WHERE id = ?`,
			EntryCompleted, now, nullableBytes(result), entry.ID,
		); err != nil {
			return fmt.Errorf("complete entry: %w", err)
		}
		if !s.pipeline.IsFinal(entry.Stage) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			TaskCompleted, now, now, entry.TaskID, TaskActive,
		); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	})
}

// Fail marks a processing entry failed without consuming retries.
func (s *Store) Fail(ctx context.Context, ref EntryRef, message string) (*Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx *sql.Tx, entry *Entry, now string) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, completed_at = ?, last_error = ?, owner = NULL WHERE id = ?`,
			EntryFailed, now, nullableString(message), entry.ID,
		); err != nil {
			return fmt.Errorf("fail entry: %w", err)
		}
		return nil
	})
}

// FailTransient counts a retryable failure. The entry returns to waiting at
// its original priority until retry_count reaches max_retries, then fails.
func (s *Store) FailTransient(ctx context.Context, ref EntryRef, message string) (*Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx *sql.Tx, entry *Entry, now string) error {
		retries := entry.RetryCount + 1
		if retries >= entry.MaxRetries {
			_, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET status = ?, retry_count = ?, completed_at = ?, last_error = ?, owner = NULL
                 WHERE id = ?`,
				EntryFailed, retries, now, nullableString(message), entry.ID,
			)
			if err != nil {
				return fmt.Errorf("exhaust entry: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, retry_count = ?, last_error = ?,
                 started_at = NULL, heartbeat_at = NULL, owner = NULL
             WHERE id = ?`,
			EntryWaiting, retries, nullableString(message), entry.ID,
		); err != nil {
			return fmt.Errorf("requeue entry: %w", err)
		}
		return nil
	})
}

// Release returns a processing entry to waiting without counting a retry.
func (s *Store) Release(ctx context.Context, ref EntryRef) (*Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx *sql.Tx, entry *Entry, _ string) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, started_at = NULL, heartbeat_at = NULL, owner = NULL WHERE id = ?`,
			EntryWaiting, entry.ID,
		); err != nil {
			return fmt.Errorf("release entry: %w", err)
		}
		return nil
	})
}

// AbandonCancelled fails a processing entry whose task was cancelled while
// it ran and finalizes the task once nothing else is in flight.
func (s *Store) AbandonCancelled(ctx context.Context, ref EntryRef) (*Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx *sql.Tx, entry *Entry, now string) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, completed_at = ?, last_error = ?, owner = NULL WHERE id = ?`,
			EntryFailed, now, CancelledReason, entry.ID,
		); err != nil {
			return fmt.Errorf("abandon entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ?
             WHERE id = ? AND status = ? AND NOT EXISTS (
                 SELECT 1 FROM queue_entries WHERE task_id = ? AND status = ?)`,
			TaskCancelled, now, entry.TaskID, TaskActive, entry.TaskID, EntryProcessing,
		); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		return nil
	})
}

// InvalidateAfter deletes the entries of every stage after stage.
func (s *Store) InvalidateAfter(ctx context.Context, taskID string, stage Stage) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = s.invalidateAfterTx(ctx, tx, taskID, stage)
		return err
	})
	return removed, err
}

func (s *Store) invalidateAfterTx(ctx context.Context, tx *sql.Tx, taskID string, stage Stage) (int64, error) {
	if !s.pipeline.Contains(stage) {
		return 0, fmt.Errorf("invalidate after %q: %w", stage, ErrUnknownStage)
	}
	later := s.pipeline.After(stage)
	if len(later) == 0 {
		return 0, nil
	}
	args := append([]any{taskID}, stageArgs(later)...)
	res, err := tx.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE task_id = ? AND stage IN (`+makePlaceholders(len(later))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("invalidate later stages: %w", err)
	}
	return res.RowsAffected()
}

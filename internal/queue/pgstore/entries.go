package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"conveyor/internal/queue"
)

const entryColumns = `id, task_id, stage, status, priority, retry_count, max_retries, created_at,
    started_at, completed_at, heartbeat_at, last_error, result, owner, claim_seq`

func scanEntry(row pgx.Row) (*queue.Entry, error) {
	var (
		entry     queue.Entry
		stage     string
		status    string
		lastError *string
		owner     *string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.TaskID,
		&stage,
		&status,
		&entry.Priority,
		&entry.RetryCount,
		&entry.MaxRetries,
		&entry.CreatedAt,
		&entry.StartedAt,
		&entry.CompletedAt,
		&entry.HeartbeatAt,
		&lastError,
		&entry.Result,
		&owner,
		&entry.ClaimSeq,
	); err != nil {
		return nil, err
	}
	entry.Stage = queue.Stage(stage)
	entry.Status = queue.EntryStatus(status)
	if lastError != nil {
		entry.LastError = *lastError
	}
	if owner != nil {
		if parsed, err := queue.ParseOwner(*owner); err == nil {
			entry.Owner = parsed
		}
	}
	return &entry, nil
}

func getEntry(ctx context.Context, q querier, id int64) (*queue.Entry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, queue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

func getEntryByStage(ctx context.Context, q querier, taskID string, stage queue.Stage) (*queue.Entry, error) {
	entry, err := scanEntry(q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE task_id = $1 AND stage = $2`, taskID, string(stage)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", taskID, stage, queue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

func collectEntries(rows pgx.Rows, err error) ([]*queue.Entry, error) {
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	var entries []*queue.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Enqueue creates the entry for (task, stage) or resets a terminal one.
func (s *Store) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Entry, error) {
	var entry *queue.Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, req.TaskID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", req.TaskID, queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		entry, err = s.enqueueTx(ctx, tx, task, req)
		return err
	})
	if isPgCode(err, uniqueViolation) {
		return nil, fmt.Errorf("enqueue %s/%s: %w", req.TaskID, req.Stage, queue.ErrDuplicateStage)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) enqueueTx(ctx context.Context, tx pgx.Tx, task *queue.Task, req queue.EnqueueRequest) (*queue.Entry, error) {
	if !s.pipeline.Contains(req.Stage) {
		return nil, fmt.Errorf("enqueue %q: %w", req.Stage, queue.ErrUnknownStage)
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
	now := s.timestamp()

	existing, err := getEntryByStage(ctx, tx, task.ID, req.Stage)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		if _, err := tx.Exec(ctx,
			`INSERT INTO queue_entries (task_id, stage, status, priority, retry_count, max_retries, created_at)
             VALUES ($1, $2, $3, $4, 0, $5, $6)`,
			task.ID, string(req.Stage), string(queue.EntryWaiting), priority, maxRetries, now,
		); err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
	case err != nil:
		return nil, err
	case !existing.Status.IsTerminal():
		return nil, fmt.Errorf("enqueue %s/%s (%s): %w", task.ID, req.Stage, existing.Status, queue.ErrDuplicateStage)
	default:
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, priority = $2, retry_count = 0, max_retries = $3, created_at = $4,
                 started_at = NULL, completed_at = NULL, heartbeat_at = NULL, last_error = NULL,
                 result = NULL, owner = NULL
             WHERE id = $5`,
			string(queue.EntryWaiting), priority, maxRetries, now, existing.ID,
		); err != nil {
			return nil, fmt.Errorf("reset entry: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET stage = $1, updated_at = $2 WHERE id = $3`, string(req.Stage), now, task.ID); err != nil {
		return nil, fmt.Errorf("advance task stage: %w", err)
	}
	return getEntryByStage(ctx, tx, task.ID, req.Stage)
}

func (s *Store) requirePreviousCompleted(ctx context.Context, q querier, taskID string, stage queue.Stage) error {
	prev, ok := s.pipeline.Previous(stage)
	if !ok {
		return nil
	}
	entry, err := getEntryByStage(ctx, q, taskID, prev)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%s needs %s: %w", stage, prev, queue.ErrStageOrder)
	}
	if err != nil {
		return err
	}
	if entry.Status != queue.EntryCompleted {
		return fmt.Errorf("%s needs %s (%s): %w", stage, prev, entry.Status, queue.ErrStageOrder)
	}
	return nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*queue.Entry, error) {
	return getEntry(ctx, s.pool, id)
}

// ListEntries returns a task's entries in pipeline order.
func (s *Store) ListEntries(ctx context.Context, taskID string) ([]*queue.Entry, error) {
	entries, err := collectEntries(s.pool.Query(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE task_id = $1`, taskID))
	if err != nil {
		return nil, err
	}
	ordered := make([]*queue.Entry, 0, len(entries))
	for _, stage := range s.pipeline {
		for _, entry := range entries {
			if entry.Stage == stage {
				ordered = append(ordered, entry)
			}
		}
	}
	return ordered, nil
}

// ListEntriesByStatus returns entries in the given statuses in claim order.
func (s *Store) ListEntriesByStatus(ctx context.Context, statuses ...queue.EntryStatus) ([]*queue.Entry, error) {
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	if len(names) == 0 {
		names = nil
	}
	return collectEntries(s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
         WHERE $1::text[] IS NULL OR status = ANY($1)
         ORDER BY priority DESC, created_at ASC, id ASC`, names))
}

// ClaimNext atomically moves the best waiting entry to processing and bumps
// its claim sequence. Rows locked by a concurrent claimer are skipped rather
// than waited on.
func (s *Store) ClaimNext(ctx context.Context, req queue.ClaimRequest) (*queue.Entry, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var entry *queue.Entry
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			var id int64
			err := tx.QueryRow(ctx,
				`SELECT e.id FROM queue_entries e JOIN tasks t ON t.id = e.task_id
                 WHERE e.status = $1 AND t.status = $2 AND NOT t.cancel_requested
                   AND ($3::text[] IS NULL OR e.stage = ANY($3))
                   AND ($4::bigint[] IS NULL OR NOT (e.id = ANY($4)))
                 ORDER BY e.priority DESC, e.created_at ASC, e.id ASC
                 LIMIT 1
                 FOR UPDATE OF e SKIP LOCKED`,
				string(queue.EntryWaiting), string(queue.TaskActive), stageNames(req.Stages), idList(req.Exclude),
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select claimable entry: %w", err)
			}
			now := s.timestamp()
			tag, err := tx.Exec(ctx,
				`UPDATE queue_entries SET status = $1, started_at = $2, heartbeat_at = $2, owner = $3, claim_seq = claim_seq + 1
                 WHERE id = $4 AND status = $5`,
				string(queue.EntryProcessing), now, nullString(req.Owner.String()), id, string(queue.EntryWaiting),
			)
			if err != nil {
				return fmt.Errorf("claim entry: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return errClaimRace
			}
			entry, err = getEntry(ctx, tx, id)
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
	return nil, queue.ErrClaimContended
}

var errClaimRace = errors.New("pgstore: claim race")

// Heartbeat refreshes the liveness timestamp of an entry still held by ref's
// claim.
func (s *Store) Heartbeat(ctx context.Context, ref queue.EntryRef) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET heartbeat_at = $1
         WHERE id = $2 AND status = $3 AND ($4::bigint = 0 OR claim_seq = $4)`,
		s.timestamp(), ref.ID, string(queue.EntryProcessing), ref.ClaimSeq,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	entry, err := getEntry(ctx, s.pool, ref.ID)
	if err != nil {
		return err
	}
	if err := checkClaim(entry, ref); err != nil {
		return err
	}
	return fmt.Errorf("heartbeat entry %d: %w", ref.ID, queue.ErrNotProcessing)
}

func checkClaim(entry *queue.Entry, ref queue.EntryRef) error {
	if ref.ClaimSeq != 0 && entry.ClaimSeq != ref.ClaimSeq {
		return fmt.Errorf("entry %d claim %d superseded by %d: %w", entry.ID, ref.ClaimSeq, entry.ClaimSeq, queue.ErrClaimLost)
	}
	if entry.Status != queue.EntryProcessing {
		return fmt.Errorf("entry %d is %s: %w", entry.ID, entry.Status, queue.ErrNotProcessing)
	}
	return nil
}

func (s *Store) transitionProcessing(ctx context.Context, ref queue.EntryRef, apply func(tx pgx.Tx, entry *queue.Entry, now time.Time) error) (*queue.Entry, error) {
	var updated *queue.Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		entry, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`, ref.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("entry %d: %w", ref.ID, queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock entry: %w", err)
		}
		if err := checkClaim(entry, ref); err != nil {
			return err
		}
		if err := apply(tx, entry, s.timestamp()); err != nil {
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

// Complete marks a processing entry completed; the final stage completes the
// task in the same transaction.
func (s *Store) Complete(ctx context.Context, ref queue.EntryRef, result []byte) (*queue.Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx pgx.Tx, entry *queue.Entry, now time.Time) error {
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, completed_at = $2, result = $3, last_error = NULL, owner = NULL WHERE id = $4`,
			string(queue.EntryCompleted), now, nullBytes(result), entry.ID,
		); err != nil {
			return fmt.Errorf("complete entry: %w", err)
		}
		if !s.pipeline.IsFinal(entry.Stage) {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(queue.TaskCompleted), now, entry.TaskID, string(queue.TaskActive),
		); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	})
}

// Fail marks a processing entry failed without consuming retries.
func (s *Store) Fail(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx pgx.Tx, entry *queue.Entry, now time.Time) error {
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, completed_at = $2, last_error = $3, owner = NULL WHERE id = $4`,
			string(queue.EntryFailed), now, nullString(message), entry.ID,
		); err != nil {
			return fmt.Errorf("fail entry: %w", err)
		}
		return nil
	})
}

// FailTransient counts a retryable failure and requeues or exhausts the entry.
func (s *Store) FailTransient(ctx context.Context, ref queue.EntryRef, message string) (*queue.Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx pgx.Tx, entry *queue.Entry, now time.Time) error {
		retries := entry.RetryCount + 1
		if retries >= entry.MaxRetries {
			if _, err := tx.Exec(ctx,
				`UPDATE queue_entries SET status = $1, retry_count = $2, completed_at = $3, last_error = $4, owner = NULL WHERE id = $5`,
				string(queue.EntryFailed), retries, now, nullString(message), entry.ID,
			); err != nil {
				return fmt.Errorf("exhaust entry: %w", err)
			}
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, retry_count = $2, last_error = $3,
                 started_at = NULL, heartbeat_at = NULL, owner = NULL
             WHERE id = $4`,
			string(queue.EntryWaiting), retries, nullString(message), entry.ID,
		); err != nil {
			return fmt.Errorf("requeue entry: %w", err)
		}
		return nil
	})
}

// Release returns a processing entry to waiting without counting a retry.
func (s *Store) Release(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx pgx.Tx, entry *queue.Entry, _ time.Time) error {
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, started_at = NULL, heartbeat_at = NULL, owner = NULL WHERE id = $2`,
			string(queue.EntryWaiting), entry.ID,
		); err != nil {
			return fmt.Errorf("release entry: %w", err)
		}
		return nil
	})
}

// AbandonCancelled fails a processing entry of a cancelled task and
// finalizes the task once nothing else is in flight.
func (s *Store) AbandonCancelled(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error) {
	return s.transitionProcessing(ctx, ref, func(tx pgx.Tx, entry *queue.Entry, now time.Time) error {
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, completed_at = $2, last_error = $3, owner = NULL WHERE id = $4`,
			string(queue.EntryFailed), now, queue.CancelledReason, entry.ID,
		); err != nil {
			return fmt.Errorf("abandon entry: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1, updated_at = $2
             WHERE id = $3 AND status = $4 AND NOT EXISTS (
                 SELECT 1 FROM queue_entries WHERE task_id = $3 AND status = $5)`,
			string(queue.TaskCancelled), now, entry.TaskID, string(queue.TaskActive), string(queue.EntryProcessing),
		); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		return nil
	})
}

// InvalidateAfter deletes the entries of every stage after stage.
func (s *Store) InvalidateAfter(ctx context.Context, taskID string, stage queue.Stage) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		removed, err = s.invalidateAfterTx(ctx, tx, taskID, stage)
		return err
	})
	return removed, err
}

func (s *Store) invalidateAfterTx(ctx context.Context, tx pgx.Tx, taskID string, stage queue.Stage) (int64, error) {
	if !s.pipeline.Contains(stage) {
		return 0, fmt.Errorf("invalidate after %q: %w", stage, queue.ErrUnknownStage)
	}
	later := stageNames(s.pipeline.After(stage))
	if len(later) == 0 {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE task_id = $1 AND stage = ANY($2)`, taskID, later)
	if err != nil {
		return 0, fmt.Errorf("invalidate later stages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseStale returns processing entries with heartbeats older than cutoff
// to waiting.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $1, started_at = NULL, heartbeat_at = NULL, owner = NULL
         WHERE status = $2 AND COALESCE(heartbeat_at, started_at, created_at) < $3`,
		string(queue.EntryWaiting), string(queue.EntryProcessing), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseOrphaned returns processing entries to waiting when alive reports
// their owner gone.
func (s *Store) ReleaseOrphaned(ctx context.Context, alive func(queue.Owner) bool) (int64, error) {
	entries, err := s.ListEntriesByStatus(ctx, queue.EntryProcessing)
	if err != nil {
		return 0, err
	}
	var released int64
	for _, entry := range entries {
		if entry.Owner.IsZero() || alive(entry.Owner) {
			continue
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE queue_entries SET status = $1, started_at = NULL, heartbeat_at = NULL, owner = NULL
             WHERE id = $2 AND status = $3 AND owner = $4`,
			string(queue.EntryWaiting), entry.ID, string(queue.EntryProcessing), entry.Owner.String(),
		)
		if err != nil {
			return released, fmt.Errorf("release orphaned entry %d: %w", entry.ID, err)
		}
		released += tag.RowsAffected()
	}
	return released, nil
}

// ReleaseOwned returns every entry held by owner to waiting.
func (s *Store) ReleaseOwned(ctx context.Context, owner queue.Owner) (int64, error) {
	if owner.IsZero() {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $1, started_at = NULL, heartbeat_at = NULL, owner = NULL
         WHERE status = $2 AND owner = $3`,
		string(queue.EntryWaiting), string(queue.EntryProcessing), owner.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("release owned entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns entry counts per status for each pipeline stage.
func (s *Store) Stats(ctx context.Context) ([]queue.StageStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, status, COUNT(1) FROM queue_entries GROUP BY stage, status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Stage]map[queue.EntryStatus]int)
	for rows.Next() {
		var (
			stage  string
			status string
			count  int
		)
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return nil, err
		}
		if counts[queue.Stage(stage)] == nil {
			counts[queue.Stage(stage)] = make(map[queue.EntryStatus]int)
		}
		counts[queue.Stage(stage)][queue.EntryStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats := make([]queue.StageStats, 0, len(s.pipeline))
	for _, stage := range s.pipeline {
		entry := queue.StageStats{Stage: stage, Counts: make(map[queue.EntryStatus]int)}
		for _, status := range queue.AllEntryStatuses() {
			entry.Counts[status] = counts[stage][status]
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[queue.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[queue.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[queue.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

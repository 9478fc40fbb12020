package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"conveyor/internal/queue"
)

const taskColumns = `id, title, stage, status, payload, priority, max_retries, scheduled_at,
    cancel_requested, failed_stage, last_error, created_at, updated_at, completed_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanTask(row pgx.Row) (*queue.Task, error) {
	var (
		task        queue.Task
		stage       string
		status      string
		failedStage *string
		lastError   *string
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&stage,
		&status,
		&task.Payload,
		&task.Priority,
		&task.MaxRetries,
		&task.ScheduledAt,
		&task.CancelRequested,
		&failedStage,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	); err != nil {
		return nil, err
	}
	task.Stage = queue.Stage(stage)
	task.Status = queue.TaskStatus(status)
	if failedStage != nil {
		task.FailedStage = queue.Stage(*failedStage)
	}
	if lastError != nil {
		task.LastError = *lastError
	}
	return &task, nil
}

func getTask(ctx context.Context, q querier, id string) (*queue.Task, error) {
	task, err := scanTask(q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func collectTasks(rows pgx.Rows, err error) ([]*queue.Task, error) {
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*queue.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateTask persists a new task in the scheduled state.
func (s *Store) CreateTask(ctx context.Context, nt queue.NewTask) (*queue.Task, error) {
	now := s.timestamp()
	id := strings.TrimSpace(nt.ID)
	if id == "" {
		id = queue.NewTaskID(now)
	}
	scheduled := nt.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := nt.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, title, stage, status, payload, priority, max_retries, scheduled_at, created_at, updated_at)
         VALUES ($1, $2, '', $3, $4, $5, $6, $7, $8, $8)`,
		id, strings.TrimSpace(nt.Title), string(queue.TaskScheduled), nullBytes(nt.Payload),
		nt.Priority, maxRetries, scheduled.UTC(), now,
	); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	return getTask(ctx, s.pool, id)
}

// ListTasks returns tasks filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, statuses ...queue.TaskStatus) ([]*queue.Task, error) {
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	if len(names) == 0 {
		names = nil
	}
	return collectTasks(s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE $1::text[] IS NULL OR status = ANY($1)
         ORDER BY created_at DESC, id DESC`, names))
}

// DueTasks returns scheduled tasks whose start time has passed.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]*queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return collectTasks(s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE status = $1 AND NOT cancel_requested AND scheduled_at <= $2
         ORDER BY priority DESC, scheduled_at ASC, id ASC
         LIMIT $3`,
		string(queue.TaskScheduled), now.UTC(), limit))
}

// ActivateTask moves a scheduled task to active and enqueues the first stage
// in the same transaction.
func (s *Store) ActivateTask(ctx context.Context, id string) (*queue.Entry, error) {
	var entry *queue.Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		first := s.pipeline.First()
		tag, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1, stage = $2, updated_at = $3
             WHERE id = $4 AND status = $5 AND NOT cancel_requested`,
			string(queue.TaskActive), string(first), s.timestamp(), id, string(queue.TaskScheduled),
		)
		if err != nil {
			return fmt.Errorf("activate task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := getTask(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("activate task %s: %w", id, queue.ErrInvalidTransition)
		}
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		entry, err = s.enqueueTx(ctx, tx, task, queue.EnqueueRequest{TaskID: id, Stage: first})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkTaskFailed records a terminal stage failure on an active task.
func (s *Store) MarkTaskFailed(ctx context.Context, id string, stage queue.Stage, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, failed_stage = $2, last_error = $3, updated_at = $4
         WHERE id = $5 AND status = $6`,
		string(queue.TaskFailed), nullString(string(stage)), nullString(message), s.timestamp(),
		id, string(queue.TaskActive),
	)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "fail")
	}
	return nil
}

// MarkTaskCancelled finalizes a task whose cancellation was requested.
func (s *Store) MarkTaskCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(queue.TaskCancelled), s.timestamp(), id, string(queue.TaskScheduled), string(queue.TaskActive),
	)
	if err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "cancel")
	}
	return nil
}

func (s *Store) transitionError(ctx context.Context, id, action string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s task %s in status %s: %w", action, id, task.Status, queue.ErrInvalidTransition)
}

// RequestCancel flags a task for cancellation, fails its waiting entries and
// cancels it outright when nothing is processing.
func (s *Store) RequestCancel(ctx context.Context, id string) (*queue.Task, error) {
	var task *queue.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("cancel task %s in status %s: %w", id, current.Status, queue.ErrInvalidTransition)
		}
		now := s.timestamp()
		if _, err := tx.Exec(ctx, `UPDATE tasks SET cancel_requested = TRUE, updated_at = $1 WHERE id = $2`, now, id); err != nil {
			return fmt.Errorf("flag cancel: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE queue_entries SET status = $1, last_error = $2, completed_at = $3 WHERE task_id = $4 AND status = $5`,
			string(queue.EntryFailed), queue.CancelledReason, now, id, string(queue.EntryWaiting),
		); err != nil {
			return fmt.Errorf("fail waiting entries: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1, updated_at = $2
             WHERE id = $3 AND NOT EXISTS (SELECT 1 FROM queue_entries WHERE task_id = $3 AND status = $4)`,
			string(queue.TaskCancelled), now, id, string(queue.EntryProcessing),
		); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// IsCancelled reports whether cancellation was requested for the task.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var (
		flag   bool
		status string
	)
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested, status FROM tasks WHERE id = $1`, id).Scan(&flag, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", id, queue.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return flag || queue.TaskStatus(status) == queue.TaskCancelled, nil
}

// RetryTask resumes a failed or cancelled task at target, deleting entries of
// later stages.
func (s *Store) RetryTask(ctx context.Context, id string, target queue.Stage) (*queue.Entry, error) {
	var entry *queue.Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		if task.Status != queue.TaskFailed && task.Status != queue.TaskCancelled {
			return fmt.Errorf("retry task %s in status %s: %w", id, task.Status, queue.ErrInvalidTransition)
		}
		stage := target
		if stage == "" {
			stage = task.FailedStage
		}
		if stage == "" {
			stage = task.Stage
		}
		if stage == "" {
			stage = s.pipeline.First()
		}
		if !s.pipeline.Contains(stage) {
			return fmt.Errorf("retry at %q: %w", stage, queue.ErrUnknownStage)
		}
		if err := s.requirePreviousCompleted(ctx, tx, id, stage); err != nil {
			return err
		}
		if _, err := s.invalidateAfterTx(ctx, tx, id, stage); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $1, stage = $2, cancel_requested = FALSE, failed_stage = NULL,
                 last_error = NULL, completed_at = NULL, updated_at = $3
             WHERE id = $4`,
			string(queue.TaskActive), string(stage), s.timestamp(), id,
		); err != nil {
			return fmt.Errorf("reactivate task: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE task_id = $1 AND stage = $2`, id, string(stage)); err != nil {
			return fmt.Errorf("reset target entry: %w", err)
		}
		task.Status = queue.TaskActive
		entry, err = s.enqueueTx(ctx, tx, task, queue.EnqueueRequest{TaskID: id, Stage: stage})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RunNow moves a scheduled task's start time to now.
func (s *Store) RunNow(ctx context.Context, id string) (*queue.Task, error) {
	now := s.timestamp()
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET scheduled_at = $1, updated_at = $1 WHERE id = $2 AND status = $3`,
		now, id, string(queue.TaskScheduled),
	)
	if err != nil {
		return nil, fmt.Errorf("run now: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.transitionError(ctx, id, "run now")
	}
	return s.GetTask(ctx, id)
}

// ArchiveCompleted moves tasks completed before cutoff to archived.
func (s *Store) ArchiveCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2
         WHERE status = $3 AND completed_at IS NOT NULL AND completed_at < $4`,
		string(queue.TaskArchived), s.timestamp(), string(queue.TaskCompleted), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendEvent adds a line to the task's history.
func (s *Store) AppendEvent(ctx context.Context, taskID string, stage queue.Stage, level queue.EventLevel, message string) error {
	if level == "" {
		level = queue.EventInfo
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (task_id, stage, level, message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		taskID, nullString(string(stage)), string(level), message, s.timestamp(),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a task's history oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]queue.TaskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, stage, level, message, created_at FROM task_events WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []queue.TaskEvent
	for rows.Next() {
		var (
			event queue.TaskEvent
			stage *string
			level string
		)
		if err := rows.Scan(&event.ID, &event.TaskID, &stage, &level, &event.Message, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stage != nil {
			event.Stage = queue.Stage(*stage)
		}
		event.Level = queue.EventLevel(level)
		events = append(events, event)
	}
	return events, rows.Err()
}

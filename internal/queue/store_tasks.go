package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewTaskID builds a sortable task identifier: unix milliseconds plus a
// random suffix.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// CreateTask persists a new task in the scheduled state.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	now := s.timestamp()
	id := strings.TrimSpace(nt.ID)
	if id == "" {
		id = NewTaskID(now)
	}
	scheduled := nt.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := nt.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO tasks (id, title, stage, status, payload, priority, max_retries, scheduled_at, created_at, updated_at)
         VALUES (?, ?, '', ?, ?, ?, ?, ?, ?, ?)`,
		id,
		strings.TrimSpace(nt.Title),
		TaskScheduled,
		nullableBytes(nt.Payload),
		nt.Priority,
		maxRetries,
		formatTime(scheduled),
		formatTime(now),
		formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ensureContext(ctx), s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status, newest first. No statuses
// means every task.
func (s *Store) ListTasks(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryTasks(ctx, query, args...)
}

// DueTasks returns scheduled tasks whose start time has passed.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE status = ? AND cancel_requested = 0 AND scheduled_at <= ?
         ORDER BY priority DESC, scheduled_at ASC, id ASC
         LIMIT ?`,
		TaskScheduled, formatTime(now), limit,
	)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ActivateTask moves a scheduled task to active and enqueues the first stage in
// the same transaction.
func (s *Store) ActivateTask(ctx context.Context, id string) (*Entry, error) {
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.timestamp())
		first := s.pipeline.First()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, stage = ?, updated_at = ?
             WHERE id = ? AND status = ? AND cancel_requested = 0`,
			TaskActive, string(first), now, id, TaskScheduled,
		)
		if err != nil {
			return fmt.Errorf("activate task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getTask(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("activate task %s: %w", id, ErrInvalidTransition)
		}
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		entry, err = s.enqueueTx(ctx, tx, task, EnqueueRequest{TaskID: id, Stage: first})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkTaskFailed records a terminal stage failure on an active task.
func (s *Store) MarkTaskFailed(ctx context.Context, id string, stage Stage, message string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, failed_stage = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		TaskFailed, nullableString(string(stage)), nullableString(message), formatTime(s.timestamp()),
		id, TaskActive,
	)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "fail")
	}
	return nil
}

// MarkTaskCancelled finalizes a task whose cancellation was requested.
func (s *Store) MarkTaskCancelled(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		TaskCancelled, formatTime(s.timestamp()), id, TaskScheduled, TaskActive,
	)
	if err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "cancel")
	}
	return nil
}

func (s *Store) transitionError(ctx context.Context, id, action string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s task %s in status %s: %w", action, id, task.Status, ErrInvalidTransition)
}

// RequestCancel flags a task for cancellation. Waiting entries are failed
// with reason "cancelled". When nothing is processing the task becomes
// cancelled immediately; otherwise the in-flight entry finishes it.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("cancel task %s in status %s: %w", id, current.Status, ErrInvalidTransition)
		}
		now := formatTime(s.timestamp())
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id,
		); err != nil {
			return fmt.Errorf("flag cancel: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, last_error = ?, completed_at = ?
             WHERE task_id = ? AND status = ?`,
			EntryFailed, CancelledReason, now, id, EntryWaiting,
		); err != nil {
			return fmt.Errorf("fail waiting entries: %w", err)
		}
		var processing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM queue_entries WHERE task_id = ? AND status = ?`, id, EntryProcessing,
		).Scan(&processing); err != nil {
			return fmt.Errorf("count processing entries: %w", err)
		}
		if processing == 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, TaskCancelled, now, id,
			); err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
		}
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CancelledReason is recorded on entries abandoned by a cancellation.
const CancelledReason = "cancelled"

// IsCancelled reports whether cancellation was requested for the task.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var flag int
	var status string
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT cancel_requested, status FROM tasks WHERE id = ?`, id,
	).Scan(&flag, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return flag != 0 || TaskStatus(status) == TaskCancelled, nil
}

// RetryTask resumes a failed or cancelled task at target. An empty target
// resumes at the failed stage. Entries for stages after target are deleted
// and the target entry is reset to waiting with a fresh retry budget.
func (s *Store) RetryTask(ctx context.Context, id string, target Stage) (*Entry, error) {
	var entry *Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status != TaskFailed && task.Status != TaskCancelled {
			return fmt.Errorf("retry task %s in status %s: %w", id, task.Status, ErrInvalidTransition)
		}
		if target == "" {
			target = task.FailedStage
		}
		if target == "" {
			target = task.Stage
		}
		if target == "" {
			target = s.pipeline.First()
		}
		if !s.pipeline.Contains(target) {
			return fmt.Errorf("retry at %q: %w", target, ErrUnknownStage)
		}
		if err := s.requirePreviousCompleted(ctx, tx, id, target); err != nil {
			return err
		}
		if _, err := s.invalidateAfterTx(ctx, tx, id, target); err != nil {
			return err
		}

		now := formatTime(s.timestamp())
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, stage = ?, cancel_requested = 0, failed_stage = NULL,
                 last_error = NULL, completed_at = NULL, updated_at = ?
             WHERE id = ?`,
			TaskActive, string(target), now, id,
		); err != nil {
			return fmt.Errorf("reactivate task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE task_id = ? AND stage = ?`, id, string(target),
		); err != nil {
			return fmt.Errorf("reset target entry: %w", err)
		}
		task.Status = TaskActive
		entry, err = s.enqueueTx(ctx, tx, task, EnqueueRequest{TaskID: id, Stage: target})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RunNow moves a scheduled task's start time to now.
func (s *Store) RunNow(ctx context.Context, id string) (*Task, error) {
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET scheduled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, TaskScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("run now: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, "run now")
	}
	return s.GetTask(ctx, id)
}

// ArchiveCompleted moves tasks completed before cutoff to archived.
func (s *Store) ArchiveCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
         WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		TaskArchived, formatTime(s.timestamp()), TaskCompleted, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("archive completed: %w", err)
	}
	return res.RowsAffected()
}

// AppendEvent adds a line to the task's history.
func (s *Store) AppendEvent(ctx context.Context, taskID string, stage Stage, level EventLevel, message string) error {
	if level == "" {
		level = EventInfo
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO task_events (task_id, stage, level, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, nullableString(string(stage)), string(level), message, formatTime(s.timestamp()),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a task's history oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, task_id, stage, level, message, created_at FROM task_events
         WHERE task_id = ? ORDER BY id ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var (
			event   TaskEvent
			stage   sql.NullString
			level   string
			created string
		)
		if err := rows.Scan(&event.ID, &event.TaskID, &stage, &level, &event.Message, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Stage = Stage(stage.String)
		event.Level = EventLevel(level)
		event.CreatedAt, _ = parseTimeString(created)
		events = append(events, event)
	}
	return events, rows.Err()
}

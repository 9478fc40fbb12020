package queue

import (
	"database/sql"
	"errors"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, title, stage, status, payload, priority, max_retries, scheduled_at,
    cancel_requested, failed_stage, last_error, created_at, updated_at, completed_at`

const entryColumns = `id, task_id, stage, status, priority, retry_count, max_retries, created_at,
    started_at, completed_at, heartbeat_at, last_error, result, owner, claim_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		task        Task
		stage       string
		status      string
		scheduled   string
		cancelFlag  int64
		failedStage sql.NullString
		lastError   sql.NullString
		createdRaw  string
		updatedRaw  string
		completed   sql.NullString
	)
	if err := scanner.Scan(
		&task.ID,
		&task.Title,
		&stage,
		&status,
		&task.Payload,
		&task.Priority,
		&task.MaxRetries,
		&scheduled,
		&cancelFlag,
		&failedStage,
		&lastError,
		&createdRaw,
		&updatedRaw,
		&completed,
	); err != nil {
		return nil, err
	}
	task.Stage = Stage(stage)
	task.Status = TaskStatus(status)
	task.CancelRequested = cancelFlag != 0
	task.FailedStage = Stage(failedStage.String)
	task.LastError = lastError.String
	task.ScheduledAt, _ = parseTimeString(scheduled)
	task.CreatedAt, _ = parseTimeString(createdRaw)
	task.UpdatedAt, _ = parseTimeString(updatedRaw)
	task.CompletedAt = parseNullTime(completed)
	return &task, nil
}

func scanEntry(scanner rowScanner) (*Entry, error) {
	var (
		entry      Entry
		stage      string
		status     string
		createdRaw string
		started    sql.NullString
		completed  sql.NullString
		heartbeat  sql.NullString
		lastError  sql.NullString
		owner      sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.TaskID,
		&stage,
		&status,
		&entry.Priority,
		&entry.RetryCount,
		&entry.MaxRetries,
		&createdRaw,
		&started,
		&completed,
		&heartbeat,
		&lastError,
		&entry.Result,
		&owner,
		&entry.ClaimSeq,
	); err != nil {
		return nil, err
	}
	entry.Stage = Stage(stage)
	entry.Status = EntryStatus(status)
	entry.CreatedAt, _ = parseTimeString(createdRaw)
	entry.StartedAt = parseNullTime(started)
	entry.CompletedAt = parseNullTime(completed)
	entry.HeartbeatAt = parseNullTime(heartbeat)
	entry.LastError = lastError.String
	if parsed, err := ParseOwner(owner.String); err == nil {
		entry.Owner = parsed
	}
	return &entry, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stageArgs(stages []Stage) []any {
	args := make([]any, len(stages))
	for i, stage := range stages {
		args[i] = string(stage)
	}
	return args
}

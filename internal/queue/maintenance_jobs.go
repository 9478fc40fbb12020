package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobPriority ranks maintenance jobs; P0 is the most urgent.
type JobPriority string

const (
	PriorityP0 JobPriority = "P0"
	PriorityP1 JobPriority = "P1"
	PriorityP2 JobPriority = "P2"
	PriorityP3 JobPriority = "P3"
)

// ParseJobPriority accepts P0..P3 in any case.
func ParseJobPriority(value string) (JobPriority, bool) {
	switch JobPriority(strings.ToUpper(strings.TrimSpace(value))) {
	case PriorityP0:
		return PriorityP0, true
	case PriorityP1:
		return PriorityP1, true
	case PriorityP2:
		return PriorityP2, true
	case PriorityP3:
		return PriorityP3, true
	}
	return "", false
}

// JobStatus is the lifecycle state of a maintenance job.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobResolved   JobStatus = "resolved"
	JobClosed     JobStatus = "closed"
)

// ParseJobStatus parses a maintenance job status name.
func ParseJobStatus(value string) (JobStatus, bool) {
	for _, status := range []JobStatus{JobOpen, JobInProgress, JobResolved, JobClosed} {
		if strings.EqualFold(string(status), strings.TrimSpace(value)) {
			return status, true
		}
	}
	return "", false
}

// FailureRecord is one failed attempt at a maintenance job.
type FailureRecord struct {
	At     time.Time `json:"at"`
	Worker string    `json:"worker"`
	Error  string    `json:"error"`
}

// MaintenanceJob is a defect or upkeep job fed to the dispatcher alongside
// pipeline work.
type MaintenanceJob struct {
	ID             int64           `json:"id"`
	Title          string          `json:"title"`
	Summary        string          `json:"summary,omitempty"`
	Priority       JobPriority     `json:"priority"`
	Status         JobStatus       `json:"status"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	Attempts       int             `json:"attempts"`
	FailureHistory []FailureRecord `json:"failure_history"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Text is the description used for capability routing.
func (j MaintenanceJob) Text() string {
	if j.Summary == "" {
		return j.Title
	}
	return j.Title + "\n" + j.Summary
}

// NewMaintenanceJob carries the fields of a job being filed.
type NewMaintenanceJob struct {
	Title    string
	Summary  string
	Priority JobPriority
}

const jobColumns = `id, title, summary, priority, status, assigned_to, attempts, failure_history,
    resolution_note, created_at, updated_at`

func scanJob(scanner rowScanner) (*MaintenanceJob, error) {
	var (
		job        MaintenanceJob
		priority   string
		status     string
		assigned   sql.NullString
		history    string
		resolution sql.NullString
		created    string
		updated    string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Title,
		&job.Summary,
		&priority,
		&status,
		&assigned,
		&job.Attempts,
		&history,
		&resolution,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	job.Priority = JobPriority(priority)
	job.Status = JobStatus(status)
	job.AssignedTo = assigned.String
	job.ResolutionNote = resolution.String
	if strings.TrimSpace(history) != "" {
		if err := json.Unmarshal([]byte(history), &job.FailureHistory); err != nil {
			return nil, fmt.Errorf("decode failure history for job %d: %w", job.ID, err)
		}
	}
	job.CreatedAt, _ = parseTimeString(created)
	job.UpdatedAt, _ = parseTimeString(updated)
	return &job, nil
}

// AddMaintenanceJob files a new open job.
func (s *Store) AddMaintenanceJob(ctx context.Context, nj NewMaintenanceJob) (*MaintenanceJob, error) {
	title := strings.TrimSpace(nj.Title)
	if title == "" {
		return nil, errors.New("maintenance job title is required")
	}
	priority := nj.Priority
	if priority == "" {
		priority = PriorityP2
	}
	if _, ok := ParseJobPriority(string(priority)); !ok {
		return nil, fmt.Errorf("invalid maintenance priority %q", priority)
	}
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`INSERT INTO maintenance_jobs (title, summary, priority, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		title, strings.TrimSpace(nj.Summary), string(priority), JobOpen, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert maintenance job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("maintenance job id: %w", err)
	}
	return s.GetMaintenanceJob(ctx, id)
}

// GetMaintenanceJob fetches a job by ID.
func (s *Store) GetMaintenanceJob(ctx context.Context, id int64) (*MaintenanceJob, error) {
	return getJob(ensureContext(ctx), s.db, id)
}

func getJob(ctx context.Context, q querier, id int64) (*MaintenanceJob, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM maintenance_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("maintenance job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get maintenance job: %w", err)
	}
	return job, nil
}

// ClaimMaintenanceJob assigns the most urgent open job to worker. It returns
// nil when no job is open.
func (s *Store) ClaimMaintenanceJob(ctx context.Context, worker string, exclude ...int64) (*MaintenanceJob, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id FROM maintenance_jobs WHERE status = ?`
	args := []any{JobOpen}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + makePlaceholders(len(exclude)) + `)`
		args = append(args, idArgs(exclude)...)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var job *MaintenanceJob
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var id int64
			err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select maintenance job: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE maintenance_jobs SET status = ?, assigned_to = ?, attempts = attempts + 1, updated_at = ?
                 WHERE id = ? AND status = ?`,
				JobInProgress, nullableString(worker), formatTime(s.timestamp()), id, JobOpen,
			)
			if err != nil {
				return fmt.Errorf("claim maintenance job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errClaimRace
			}
			job, err = getJob(ctx, tx, id)
			return err
		})
		if errors.Is(err, errClaimRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, ErrClaimContended
}

// ResolveMaintenanceJob closes out an in-progress job with a note.
func (s *Store) ResolveMaintenanceJob(ctx context.Context, id int64, note string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE maintenance_jobs SET status = ?, resolution_note = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobResolved, nullableString(note), formatTime(s.timestamp()), id, JobInProgress,
	)
	if err != nil {
		return fmt.Errorf("resolve maintenance job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.jobTransitionError(ctx, id, "resolve")
	}
	return nil
}

// ReopenMaintenanceJob returns an in-progress job to open. A non-nil cause
// is appended to the failure history; a nil cause reopens silently, which
// the dispatcher uses for jobs it claimed but never started.
func (s *Store) ReopenMaintenanceJob(ctx context.Context, id int64, worker string, cause error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != JobInProgress {
			return fmt.Errorf("reopen maintenance job %d in status %s: %w", id, job.Status, ErrInvalidTransition)
		}
		now := s.timestamp()
		attempts := job.Attempts
		if cause != nil {
			job.FailureHistory = append(job.FailureHistory, FailureRecord{At: now, Worker: worker, Error: cause.Error()})
		} else if attempts > 0 {
			attempts--
		}
		history, err := json.Marshal(job.FailureHistory)
		if err != nil {
			return fmt.Errorf("encode failure history: %w", err)
		}
		if job.FailureHistory == nil {
			history = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE maintenance_jobs SET status = ?, assigned_to = NULL, attempts = ?, failure_history = ?, updated_at = ?
             WHERE id = ?`,
			JobOpen, attempts, string(history), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("reopen maintenance job: %w", err)
		}
		return nil
	})
}

// CloseMaintenanceJob marks a job closed without resolution.
func (s *Store) CloseMaintenanceJob(ctx context.Context, id int64, note string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE maintenance_jobs SET status = ?, resolution_note = COALESCE(?, resolution_note), assigned_to = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		JobClosed, nullableString(note), formatTime(s.timestamp()), id, JobOpen, JobResolved,
	)
	if err != nil {
		return fmt.Errorf("close maintenance job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.jobTransitionError(ctx, id, "close")
	}
	return nil
}

func (s *Store) jobTransitionError(ctx context.Context, id int64, action string) error {
	job, err := s.GetMaintenanceJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s maintenance job %d in status %s: %w", action, id, job.Status, ErrInvalidTransition)
}

// ListMaintenanceJobs returns jobs filtered by status in claim order.
func (s *Store) ListMaintenanceJobs(ctx context.Context, statuses ...JobStatus) ([]*MaintenanceJob, error) {
	query := `SELECT ` + jobColumns + ` FROM maintenance_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list maintenance jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*MaintenanceJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReopenOrphanedJobs reopens in-progress jobs whose assigned worker alive
// reports gone, recording the lost attempt in the failure history.
func (s *Store) ReopenOrphanedJobs(ctx context.Context, alive func(Owner) bool) (int, error) {
	jobs, err := s.ListMaintenanceJobs(ctx, JobInProgress)
	if err != nil {
		return 0, err
	}
	reopened := 0
	for _, job := range jobs {
		owner, err := ParseOwner(job.AssignedTo)
		if err != nil || owner.IsZero() || alive(owner) {
			continue
		}
		if err := s.ReopenMaintenanceJob(ctx, job.ID, job.AssignedTo, errWorkerGone); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reopened, err
		}
		reopened++
	}
	return reopened, nil
}

var errWorkerGone = errors.New("worker process exited before finishing")

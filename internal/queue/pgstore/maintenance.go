package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"conveyor/internal/queue"
)

const jobColumns = `id, title, summary, priority, status, assigned_to, attempts, failure_history,
    resolution_note, created_at, updated_at`

func scanJob(row pgx.Row) (*queue.MaintenanceJob, error) {
	var (
		job        queue.MaintenanceJob
		priority   string
		status     string
		assigned   *string
		history    []byte
		resolution *string
	)
	if err := row.Scan(
		&job.ID,
		&job.Title,
		&job.Summary,
		&priority,
		&status,
		&assigned,
		&job.Attempts,
		&history,
		&resolution,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Priority = queue.JobPriority(priority)
	job.Status = queue.JobStatus(status)
	if assigned != nil {
		job.AssignedTo = *assigned
	}
	if resolution != nil {
		job.ResolutionNote = *resolution
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &job.FailureHistory); err != nil {
			return nil, fmt.Errorf("decode failure history for job %d: %w", job.ID, err)
		}
	}
	return &job, nil
}

func getJob(ctx context.Context, q querier, id int64) (*queue.MaintenanceJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM maintenance_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("maintenance job %d: %w", id, queue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get maintenance job: %w", err)
	}
	return job, nil
}

// AddMaintenanceJob files a new open job.
func (s *Store) AddMaintenanceJob(ctx context.Context, nj queue.NewMaintenanceJob) (*queue.MaintenanceJob, error) {
	title := strings.TrimSpace(nj.Title)
	if title == "" {
		return nil, errors.New("maintenance job title is required")
	}
	priority := nj.Priority
	if priority == "" {
		priority = queue.PriorityP2
	}
	if _, ok := queue.ParseJobPriority(string(priority)); !ok {
		return nil, fmt.Errorf("invalid maintenance priority %q", priority)
	}
	now := s.timestamp()
	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO maintenance_jobs (title, summary, priority, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		title, strings.TrimSpace(nj.Summary), string(priority), string(queue.JobOpen), now,
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert maintenance job: %w", err)
	}
	return s.GetMaintenanceJob(ctx, id)
}

// GetMaintenanceJob fetches a job by ID.
func (s *Store) GetMaintenanceJob(ctx context.Context, id int64) (*queue.MaintenanceJob, error) {
	return getJob(ctx, s.pool, id)
}

// ClaimMaintenanceJob assigns the most urgent open job to worker.
func (s *Store) ClaimMaintenanceJob(ctx context.Context, worker string, exclude ...int64) (*queue.MaintenanceJob, error) {
	var job *queue.MaintenanceJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM maintenance_jobs WHERE status = $1
               AND ($2::bigint[] IS NULL OR NOT (id = ANY($2)))
             ORDER BY priority ASC, created_at ASC, id ASC
             LIMIT 1 FOR UPDATE SKIP LOCKED`,
			string(queue.JobOpen), idList(exclude),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select maintenance job: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE maintenance_jobs SET status = $1, assigned_to = $2, attempts = attempts + 1, updated_at = $3
             WHERE id = $4 AND status = $5`,
			string(queue.JobInProgress), nullString(worker), s.timestamp(), id, string(queue.JobOpen),
		); err != nil {
			return fmt.Errorf("claim maintenance job: %w", err)
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResolveMaintenanceJob closes out an in-progress job with a note.
func (s *Store) ResolveMaintenanceJob(ctx context.Context, id int64, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE maintenance_jobs SET status = $1, resolution_note = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(queue.JobResolved), nullString(note), s.timestamp(), id, string(queue.JobInProgress),
	)
	if err != nil {
		return fmt.Errorf("resolve maintenance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, id, "resolve")
	}
	return nil
}

// ReopenMaintenanceJob returns an in-progress job to open, appending cause to
// the failure history when non-nil.
func (s *Store) ReopenMaintenanceJob(ctx context.Context, id int64, worker string, cause error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM maintenance_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("maintenance job %d: %w", id, queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock maintenance job: %w", err)
		}
		if job.Status != queue.JobInProgress {
			return fmt.Errorf("reopen maintenance job %d in status %s: %w", id, job.Status, queue.ErrInvalidTransition)
		}
		now := s.timestamp()
		attempts := job.Attempts
		history := job.FailureHistory
		if cause != nil {
			history = append(history, queue.FailureRecord{At: now, Worker: worker, Error: cause.Error()})
		} else if attempts > 0 {
			attempts--
		}
		if history == nil {
			history = []queue.FailureRecord{}
		}
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("encode failure history: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE maintenance_jobs SET status = $1, assigned_to = NULL, attempts = $2, failure_history = $3, updated_at = $4
             WHERE id = $5`,
			string(queue.JobOpen), attempts, string(encoded), now, id,
		); err != nil {
			return fmt.Errorf("reopen maintenance job: %w", err)
		}
		return nil
	})
}

// CloseMaintenanceJob marks a job closed without resolution.
func (s *Store) CloseMaintenanceJob(ctx context.Context, id int64, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE maintenance_jobs SET status = $1, resolution_note = COALESCE($2, resolution_note), assigned_to = NULL, updated_at = $3
         WHERE id = $4 AND status IN ($5, $6)`,
		string(queue.JobClosed), nullString(note), s.timestamp(), id, string(queue.JobOpen), string(queue.JobResolved),
	)
	if err != nil {
		return fmt.Errorf("close maintenance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionError(ctx, id, "close")
	}
	return nil
}

func (s *Store) jobTransitionError(ctx context.Context, id int64, action string) error {
	job, err := s.GetMaintenanceJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s maintenance job %d in status %s: %w", action, id, job.Status, queue.ErrInvalidTransition)
}

// ListMaintenanceJobs returns jobs filtered by status in claim order.
func (s *Store) ListMaintenanceJobs(ctx context.Context, statuses ...queue.JobStatus) ([]*queue.MaintenanceJob, error) {
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	if len(names) == 0 {
		names = nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM maintenance_jobs
         WHERE $1::text[] IS NULL OR status = ANY($1)
         ORDER BY priority ASC, created_at ASC, id ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("list maintenance jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*queue.MaintenanceJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReopenOrphanedJobs reopens in-progress jobs whose worker alive reports gone.
func (s *Store) ReopenOrphanedJobs(ctx context.Context, alive func(queue.Owner) bool) (int, error) {
	jobs, err := s.ListMaintenanceJobs(ctx, queue.JobInProgress)
	if err != nil {
		return 0, err
	}
	reopened := 0
	for _, job := range jobs {
		owner, err := queue.ParseOwner(job.AssignedTo)
		if err != nil || owner.IsZero() || alive(owner) {
			continue
		}
		if err := s.ReopenMaintenanceJob(ctx, job.ID, job.AssignedTo, errWorkerGone); err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) {
				continue
			}
			return reopened, err
		}
		reopened++
	}
	return reopened, nil
}

var errWorkerGone = errors.New("worker process exited before finishing")

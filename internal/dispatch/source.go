package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

const abandonTimeout = 10 * time.Second

// Job is one claimed unit of work. Ref is the store id the source claims by
// and accepts in the exclude list of Next.
type Job struct {
	Source      string
	ID          string
	Ref         int64
	Text        string
	Entry       *queue.Entry
	Maintenance *queue.MaintenanceJob
}

// Source feeds jobs to the dispatcher. Next returns nil when nothing is
// ready and passes over jobs whose Ref is in exclude. It returns an error
// wrapping queue.ErrClaimContended when other claimers won every attempt.
// Abandon hands back a job that was claimed but never ran.
type Source interface {
	Name() string
	Next(ctx context.Context, exclude []int64) (*Job, error)
	Run(ctx context.Context, job *Job, decision Decision) error
	Abandon(ctx context.Context, job *Job)
}

// PipelineStore is the queue access the pipeline source needs.
type PipelineStore interface {
	ClaimNext(ctx context.Context, req queue.ClaimRequest) (*queue.Entry, error)
	GetTask(ctx context.Context, id string) (*queue.Task, error)
	Release(ctx context.Context, ref queue.EntryRef) (*queue.Entry, error)
}

// EntryHandler runs a claimed pipeline entry.
type EntryHandler interface {
	HandleEntry(ctx context.Context, entry *queue.Entry, class string) error
}

// PipelineSource claims stage entries from the queue store.
type PipelineSource struct {
	store   PipelineStore
	handler EntryHandler
	owner   queue.Owner
	logger  *slog.Logger
}

// NewPipelineSource builds the pipeline job source.
func NewPipelineSource(store PipelineStore, handler EntryHandler, owner queue.Owner, logger *slog.Logger) *PipelineSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PipelineSource{store: store, handler: handler, owner: owner, logger: logger}
}

// Name implements Source.
func (p *PipelineSource) Name() string { return "pipeline" }

// Next claims the next runnable entry. The job text is the task title plus
// the stage so stage names can drive keyword routing.
func (p *PipelineSource) Next(ctx context.Context, exclude []int64) (*Job, error) {
	entry, err := p.store.ClaimNext(ctx, queue.ClaimRequest{Owner: p.owner, Exclude: exclude})
	if err != nil {
		return nil, fmt.Errorf("claim pipeline entry: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	text := string(entry.Stage)
	if task, err := p.store.GetTask(ctx, entry.TaskID); err == nil {
		text = task.Title + "\n" + text
	}
	return &Job{
		Source: p.Name(),
		ID:     fmt.Sprintf("%s/%s", entry.TaskID, entry.Stage),
		Ref:    entry.ID,
		Text:   text,
		Entry:  entry,
	}, nil
}

// Run implements Source.
func (p *PipelineSource) Run(ctx context.Context, job *Job, decision Decision) error {
	return p.handler.HandleEntry(ctx, job.Entry, decision.Class)
}

// Abandon returns the entry to waiting without spending a retry.
func (p *PipelineSource) Abandon(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	_, err := p.store.Release(ctx, job.Entry.Ref())
	if err != nil && !errors.Is(err, queue.ErrNotProcessing) && !errors.Is(err, queue.ErrClaimLost) {
		p.logger.Warn("failed to release abandoned entry",
			logging.Int64(logging.FieldEntryID, job.Entry.ID),
			logging.Error(err),
		)
	}
}

// MaintenanceStore is the maintenance stream access the source needs.
type MaintenanceStore interface {
	ClaimMaintenanceJob(ctx context.Context, worker string, exclude ...int64) (*queue.MaintenanceJob, error)
	ResolveMaintenanceJob(ctx context.Context, id int64, note string) error
	ReopenMaintenanceJob(ctx context.Context, id int64, worker string, cause error) error
}

// MaintenanceRunner executes a maintenance job on a worker of class and
// returns its resolution note.
type MaintenanceRunner interface {
	Run(ctx context.Context, class string, job *queue.MaintenanceJob) (string, error)
}

// MaintenanceSource claims defect and upkeep jobs.
type MaintenanceSource struct {
	store  MaintenanceStore
	runner MaintenanceRunner
	worker string
	logger *slog.Logger
}

// NewMaintenanceSource builds the maintenance job source. worker is recorded
// as the assignee of claimed jobs.
func NewMaintenanceSource(store MaintenanceStore, runner MaintenanceRunner, worker string, logger *slog.Logger) *MaintenanceSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MaintenanceSource{store: store, runner: runner, worker: worker, logger: logger}
}

// Name implements Source.
func (m *MaintenanceSource) Name() string { return "maintenance" }

// Next claims the most urgent open job.
func (m *MaintenanceSource) Next(ctx context.Context, exclude []int64) (*Job, error) {
	job, err := m.store.ClaimMaintenanceJob(ctx, m.worker, exclude...)
	if err != nil {
		return nil, fmt.Errorf("claim maintenance job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	return &Job{
		Source:      m.Name(),
		ID:          "job-" + strconv.FormatInt(job.ID, 10),
		Ref:         job.ID,
		Text:        job.Text(),
		Maintenance: job,
	}, nil
}

// Run executes the job and resolves it, or reopens it with the failure
// appended to its history. A job interrupted by shutdown is reopened
// without history.
func (m *MaintenanceSource) Run(ctx context.Context, job *Job, decision Decision) error {
	note, err := m.runner.Run(ctx, decision.Class, job.Maintenance)
	if ctx.Err() != nil {
		m.Abandon(ctx, job)
		return ctx.Err()
	}
	if err != nil {
		reopenCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
		defer cancel()
		if reopenErr := m.store.ReopenMaintenanceJob(reopenCtx, job.Maintenance.ID, decision.Class, err); reopenErr != nil {
			return errors.Join(err, fmt.Errorf("reopen maintenance job: %w", reopenErr))
		}
		return err
	}
	if err := m.store.ResolveMaintenanceJob(ctx, job.Maintenance.ID, note); err != nil {
		return fmt.Errorf("resolve maintenance job: %w", err)
	}
	return nil
}

// Abandon reopens the job without recording a failure.
func (m *MaintenanceSource) Abandon(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := m.store.ReopenMaintenanceJob(ctx, job.Maintenance.ID, m.worker, nil); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
		m.logger.Warn("failed to reopen abandoned maintenance job",
			logging.Int64("job_id", job.Maintenance.ID),
			logging.Error(err),
		)
	}
}

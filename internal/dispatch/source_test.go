package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/dispatch"
	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

type recordingHandler struct {
	entries []*queue.Entry
	classes []string
	err     error
}

func (r *recordingHandler) HandleEntry(_ context.Context, entry *queue.Entry, class string) error {
	r.entries = append(r.entries, entry)
	r.classes = append(r.classes, class)
	return r.err
}

func TestPipelineSourceClaimsAndRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script", "image"))
	store := testsupport.MustOpenStore(t, cfg)
	task, _ := testsupport.ActiveTask(t, store, "Longform history of tea", 3)

	handler := &recordingHandler{}
	owner := queue.Owner{Host: "h", PID: 7, Instance: "dispatch-test"}
	src := dispatch.NewPipelineSource(store, handler, owner, nil)
	ctx := context.Background()

	job, err := src.Next(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "pipeline", job.Source)
	assert.Equal(t, task.ID+"/script", job.ID)
	assert.Equal(t, "Longform history of tea\nscript", job.Text)
	assert.Equal(t, owner, job.Entry.Owner)

	next, err := src.Next(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, next, "only one entry is claimable")

	require.NoError(t, src.Run(ctx, job, dispatch.Decision{Class: "deep-reasoning"}))
	require.Len(t, handler.entries, 1)
	assert.Equal(t, []string{"deep-reasoning"}, handler.classes)
}

func TestPipelineSourceAbandonReleasesEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script"))
	store := testsupport.MustOpenStore(t, cfg)
	task, _ := testsupport.ActiveTask(t, store, "abandon", 3)

	src := dispatch.NewPipelineSource(store, &recordingHandler{}, queue.Owner{Host: "h", PID: 1, Instance: "x"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	job, err := src.Next(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	cancel()
	src.Abandon(ctx, job)

	entries, err := store.ListEntries(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.EntryWaiting, entries[0].Status)
	assert.Zero(t, entries[0].RetryCount)
}

type scriptedRunner struct {
	note    string
	err     error
	classes []string
}

func (s *scriptedRunner) Run(_ context.Context, class string, _ *queue.MaintenanceJob) (string, error) {
	s.classes = append(s.classes, class)
	return s.note, s.err
}

func TestMaintenanceSourceResolvesJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	filed, err := store.AddMaintenanceJob(ctx, queue.NewMaintenanceJob{Title: "Fix thumbnail bug", Summary: "crop is off", Priority: queue.PriorityP1})
	require.NoError(t, err)

	runner := &scriptedRunner{note: "[high-throughput] cropped correctly"}
	src := dispatch.NewMaintenanceSource(store, runner, "conveyord", nil)

	job, err := src.Next(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Fix thumbnail bug\ncrop is off", job.Text)
	assert.Equal(t, queue.JobInProgress, job.Maintenance.Status)

	require.NoError(t, src.Run(ctx, job, dispatch.Decision{Class: "high-throughput"}))
	got, err := store.GetMaintenanceJob(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobResolved, got.Status)
	assert.Equal(t, "[high-throughput] cropped correctly", got.ResolutionNote)
	assert.Equal(t, []string{"high-throughput"}, runner.classes)
}

func TestMaintenanceSourceReopensFailedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	filed, err := store.AddMaintenanceJob(ctx, queue.NewMaintenanceJob{Title: "Review plan", Priority: queue.PriorityP2})
	require.NoError(t, err)

	src := dispatch.NewMaintenanceSource(store, &scriptedRunner{err: errors.New("worker exited 1")}, "conveyord", nil)
	job, err := src.Next(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	err = src.Run(ctx, job, dispatch.Decision{Class: "planning"})
	require.EqualError(t, err, "worker exited 1")

	got, err := store.GetMaintenanceJob(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobOpen, got.Status)
	assert.Empty(t, got.AssignedTo)
	require.Len(t, got.FailureHistory, 1)
	assert.Equal(t, "planning", got.FailureHistory[0].Worker)
	assert.Equal(t, "worker exited 1", got.FailureHistory[0].Error)
}

func TestMaintenanceSourceAbandonKeepsHistoryClean(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	filed, err := store.AddMaintenanceJob(ctx, queue.NewMaintenanceJob{Title: "Upkeep", Priority: queue.PriorityP3})
	require.NoError(t, err)

	src := dispatch.NewMaintenanceSource(store, &scriptedRunner{}, "conveyord", nil)
	job, err := src.Next(ctx, nil)
	require.NoError(t, err)
	src.Abandon(ctx, job)

	got, err := store.GetMaintenanceJob(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobOpen, got.Status)
	assert.Empty(t, got.FailureHistory)
	assert.Zero(t, got.Attempts)
}

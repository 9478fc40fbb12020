package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/queue"
	"conveyor/internal/queue/pgstore"
)

const dsnEnv = "CONVEYOR_TEST_POSTGRES_DSN"

// openTestStore opens a store inside a throwaway schema. Tests skip unless
// CONVEYOR_TEST_POSTGRES_DSN holds a postgres:// URL.
func openTestStore(t *testing.T, stages ...string) *pgstore.Store {
	t.Helper()
	base := os.Getenv(dsnEnv)
	if base == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()

	schema := "conveyor_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	admin, err := pgx.Connect(ctx, base)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	parsed, err := url.Parse(base)
	require.NoError(t, err)
	query := parsed.Query()
	query.Set("search_path", schema)
	parsed.RawQuery = query.Encode()

	if len(stages) == 0 {
		stages = []string{"schedule", "script", "image", "video", "publish"}
	}
	store, err := pgstore.Open(ctx, parsed.String(), queue.NewPipeline(stages))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func activeTask(t *testing.T, store *pgstore.Store, title string, maxRetries int) *queue.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, queue.NewTask{Title: title, MaxRetries: maxRetries})
	require.NoError(t, err)
	_, err = store.ActivateTask(ctx, task.ID)
	require.NoError(t, err)
	return task
}

func TestClaimNextMutualExclusion(t *testing.T) {
	store := openTestStore(t)
	const tasks = 30
	for i := 0; i < tasks; i++ {
		activeTask(t, store, fmt.Sprintf("task-%d", i), 3)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			owner := queue.Owner{Host: "pg", PID: worker, Instance: "test"}
			for {
				entry, err := store.ClaimNext(context.Background(), queue.ClaimRequest{Owner: owner})
				if errors.Is(err, queue.ErrClaimContended) {
					continue
				}
				if !assert.NoError(t, err) || entry == nil {
					return
				}
				mu.Lock()
				claimed[entry.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	for id, n := range claimed {
		assert.Equalf(t, 1, n, "entry %d claimed more than once", id)
	}
}

func TestFailTransientRetryBound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	activeTask(t, store, "flaky", 2)

	first, err := store.ClaimNext(ctx, queue.ClaimRequest{})
	require.NoError(t, err)
	require.NotNil(t, first)
	requeued, err := store.FailTransient(ctx, first.Ref(), "503")
	require.NoError(t, err)
	assert.Equal(t, queue.EntryWaiting, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)

	second, err := store.ClaimNext(ctx, queue.ClaimRequest{})
	require.NoError(t, err)
	exhausted, err := store.FailTransient(ctx, second.Ref(), "503")
	require.NoError(t, err)
	assert.Equal(t, queue.EntryFailed, exhausted.Status)
	assert.Equal(t, 2, exhausted.RetryCount)
	assert.NotNil(t, exhausted.CompletedAt)
}

func TestStaleReclaimSupersedesOldClaim(t *testing.T) {
	store := openTestStore(t, "script")
	ctx := context.Background()
	activeTask(t, store, "slow worker", 3)

	old, err := store.ClaimNext(ctx, queue.ClaimRequest{})
	require.NoError(t, err)
	require.NotNil(t, old)
	released, err := store.ReleaseStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	fresh, err := store.ClaimNext(ctx, queue.ClaimRequest{Exclude: []int64{old.ID + 1000}})
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, old.ID, fresh.ID)
	assert.Equal(t, old.ClaimSeq+1, fresh.ClaimSeq)

	assert.ErrorIs(t, store.Heartbeat(ctx, old.Ref()), queue.ErrClaimLost)
	_, err = store.Complete(ctx, old.Ref(), []byte("stale"))
	assert.ErrorIs(t, err, queue.ErrClaimLost)

	none, err := store.ClaimNext(ctx, queue.ClaimRequest{Exclude: []int64{fresh.ID}})
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.Heartbeat(ctx, fresh.Ref()))
	done, err := store.Complete(ctx, fresh.Ref(), []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, queue.EntryCompleted, done.Status)
}

func TestEnqueueOrderingAndRetry(t *testing.T) {
	store := openTestStore(t, "script", "image")
	ctx := context.Background()
	task := activeTask(t, store, "two stage", 3)

	_, err := store.Enqueue(ctx, queue.EnqueueRequest{TaskID: task.ID, Stage: "image"})
	assert.ErrorIs(t, err, queue.ErrStageOrder)
	_, err = store.Enqueue(ctx, queue.EnqueueRequest{TaskID: task.ID, Stage: "script"})
	assert.ErrorIs(t, err, queue.ErrDuplicateStage)

	script, err := store.ClaimNext(ctx, queue.ClaimRequest{})
	require.NoError(t, err)
	_, err = store.Complete(ctx, script.Ref(), []byte("ok"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, queue.EnqueueRequest{TaskID: task.ID, Stage: "image"})
	require.NoError(t, err)

	image, err := store.ClaimNext(ctx, queue.ClaimRequest{})
	require.NoError(t, err)
	_, err = store.Fail(ctx, image.Ref(), "bad render")
	require.NoError(t, err)
	require.NoError(t, store.MarkTaskFailed(ctx, task.ID, "image", "bad render"))

	retried, err := store.RetryTask(ctx, task.ID, "script")
	require.NoError(t, err)
	assert.Equal(t, queue.Stage("script"), retried.Stage)

	entries, err := store.ListEntries(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskActive, got.Status)
}

func TestMaintenanceHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.AddMaintenanceJob(ctx, queue.NewMaintenanceJob{Title: "low", Priority: queue.PriorityP3})
	require.NoError(t, err)
	urgent, err := store.AddMaintenanceJob(ctx, queue.NewMaintenanceJob{Title: "urgent", Priority: queue.PriorityP0})
	require.NoError(t, err)

	job, err := store.ClaimMaintenanceJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, urgent.ID, job.ID)

	require.NoError(t, store.ReopenMaintenanceJob(ctx, job.ID, "w1", fmt.Errorf("exit 1")))
	reopened, err := store.GetMaintenanceJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobOpen, reopened.Status)
	require.Len(t, reopened.FailureHistory, 1)
	assert.Equal(t, "exit 1", reopened.FailureHistory[0].Error)
}

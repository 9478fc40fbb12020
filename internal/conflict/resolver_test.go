package conflict_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/conflict"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

type checkerFunc func(ctx context.Context, resource string) (conflict.Status, error)

func (f checkerFunc) Status(ctx context.Context, resource string) (conflict.Status, error) {
	return f(ctx, resource)
}

type cancelFunc func(ctx context.Context, taskID string) (bool, error)

func (f cancelFunc) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return f(ctx, taskID)
}

// scriptedCall returns a busy signal on the first invocation and the given
// outcome afterwards, recording the clock offset of each call.
type scriptedCall struct {
	clock    *fakeClock
	start    time.Time
	resource string
	then     func() (stage.Result, error)
	calls    []time.Duration
}

func (s *scriptedCall) call(context.Context) (stage.Result, error) {
	s.calls = append(s.calls, s.clock.Now().Sub(s.start))
	if len(s.calls) == 1 {
		return stage.Result{}, &stage.BusyError{Stage: "script", Resource: s.resource}
	}
	return s.then()
}

func newScripted(clock *fakeClock, resource string, then func() (stage.Result, error)) *scriptedCall {
	return &scriptedCall{clock: clock, start: clock.Now(), resource: resource, then: then}
}

func TestResolverWaitsForPendingOperation(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other-42", func() (stage.Result, error) {
		return stage.Result{Output: []byte("second")}, nil
	})
	var polled []string
	checker := checkerFunc(func(_ context.Context, resource string) (conflict.Status, error) {
		polled = append(polled, resource)
		if clock.Now().Sub(call.start) < 20*time.Second {
			return conflict.StatusPending, nil
		}
		return conflict.StatusCompleted, nil
	})
	resolver := conflict.New(checker, nil, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second))

	res, err := resolver.Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	require.NoError(t, err)
	assert.Equal(t, "second", string(res.Stage.Output))
	require.NotNil(t, res.Wait)
	assert.True(t, res.Wait.Resolved)
	assert.Equal(t, 20*time.Second, res.Wait.Waited)
	assert.Equal(t, 2, res.Wait.Polls)
	assert.Equal(t, []time.Duration{0, 20 * time.Second}, call.calls)
	assert.Equal(t, []string{"other-42", "other-42"}, polled)
}

func TestResolverPropagatesSecondOutcome(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		return stage.Result{}, stage.Fatal("script", "execute", "bad prompt", nil)
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		return conflict.StatusFailed, nil
	})

	_, err := conflict.New(checker, nil, conflict.WithClock(clock)).Run(context.Background(),
		conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	assert.ErrorIs(t, err, services.ErrFatal)
	assert.Len(t, call.calls, 2)
}

func TestResolverTimesOutAtCeiling(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "stuck", func() (stage.Result, error) {
		t.Fatal("stage must not be re-invoked after timeout")
		return stage.Result{}, nil
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		return conflict.StatusPending, nil
	})
	resolver := conflict.New(checker, nil,
		conflict.WithClock(clock),
		conflict.WithPollInterval(10*time.Second),
		conflict.WithCeiling(25*time.Second),
	)

	res, err := resolver.Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	require.Error(t, err)
	assert.ErrorIs(t, err, conflict.ErrConflictTimeout)
	var timeout *conflict.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 25*time.Second, timeout.Waited)
	assert.Equal(t, "stuck", timeout.Resource)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}, clock.sleeps)
	assert.False(t, res.Wait.Resolved)
	assert.Equal(t, services.DispositionFail, services.Classify(err))
}

func TestResolverDefaultCeilingIsFifteenMinutes(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "stuck", func() (stage.Result, error) { return stage.Result{}, nil })
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		return conflict.StatusPending, nil
	})

	_, err := conflict.New(checker, nil, conflict.WithClock(clock)).Run(context.Background(),
		conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	var timeout *conflict.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 15*time.Minute, timeout.Waited)
	assert.Len(t, clock.sleeps, 90)
}

func TestResolverCancellationAbortsWithinOneInterval(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		t.Fatal("stage must not be re-invoked after cancellation")
		return stage.Result{}, nil
	})
	cancelAt := 35 * time.Second
	cancels := cancelFunc(func(context.Context, string) (bool, error) {
		return clock.Now().Sub(call.start) >= cancelAt, nil
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		return conflict.StatusPending, nil
	})
	resolver := conflict.New(checker, cancels, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second))

	res, err := resolver.Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	assert.ErrorIs(t, err, services.ErrCancelled)
	assert.Equal(t, services.DispositionCancel, services.Classify(err))
	require.NotNil(t, res.Wait)
	elapsed := clock.Now().Sub(call.start)
	assert.GreaterOrEqual(t, elapsed, cancelAt)
	assert.LessOrEqual(t, elapsed-cancelAt, 10*time.Second)
}

func TestResolverCancelDuringSleepSkipsTerminalPoll(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		return stage.Result{Output: []byte("published again")}, nil
	})
	cancels := cancelFunc(func(context.Context, string) (bool, error) {
		return clock.Now().Sub(call.start) >= 5*time.Second, nil
	})
	polls := 0
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		polls++
		return conflict.StatusCompleted, nil
	})
	resolver := conflict.New(checker, cancels, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second))

	res, err := resolver.Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "publish", Call: call.call})
	assert.ErrorIs(t, err, services.ErrCancelled)
	assert.Empty(t, res.Stage.Output)
	assert.Equal(t, []time.Duration{0}, call.calls, "stage must not run again after cancellation")
	assert.Zero(t, polls, "status must not be polled once the task is cancelled")
}

func TestResolverCancelAfterTerminalPollSkipsReinvoke(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		return stage.Result{Output: []byte("published again")}, nil
	})
	var mu sync.Mutex
	cancelled := false
	cancels := cancelFunc(func(context.Context, string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return cancelled, nil
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		return conflict.StatusCompleted, nil
	})
	resolver := conflict.New(checker, cancels, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second))

	res, err := resolver.Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "publish", Call: call.call})
	assert.ErrorIs(t, err, services.ErrCancelled)
	require.NotNil(t, res.Wait)
	assert.True(t, res.Wait.Resolved)
	assert.Len(t, call.calls, 1)
}

func TestResolverSecondBusyIsFatal(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		return stage.Result{}, &stage.BusyError{Stage: "script", Resource: "another"}
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		return conflict.StatusCompleted, nil
	})

	_, err := conflict.New(checker, nil, conflict.WithClock(clock)).Run(context.Background(),
		conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	assert.ErrorIs(t, err, services.ErrFatal)
	assert.Equal(t, services.DispositionFail, services.Classify(err))
	assert.Len(t, call.calls, 2)
}

func TestResolverUnknownResourceRetriesAfterOneInterval(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "", func() (stage.Result, error) {
		return stage.Result{Output: []byte("ok")}, nil
	})
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		t.Fatal("status must not be polled without a resource id")
		return conflict.StatusPending, nil
	})

	res, err := conflict.New(checker, nil, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second)).
		Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Stage.Output))
	assert.Equal(t, []time.Duration{0, 10 * time.Second}, call.calls)
}

func TestResolverTreatsStatusErrorsAsPending(t *testing.T) {
	clock := newFakeClock()
	call := newScripted(clock, "other", func() (stage.Result, error) {
		return stage.Result{Output: []byte("ok")}, nil
	})
	polls := 0
	checker := checkerFunc(func(context.Context, string) (conflict.Status, error) {
		polls++
		if polls < 3 {
			return conflict.StatusPending, errors.New("connection refused")
		}
		return conflict.StatusCompleted, nil
	})

	res, err := conflict.New(checker, nil, conflict.WithClock(clock), conflict.WithPollInterval(10*time.Second)).
		Run(context.Background(), conflict.Invocation{TaskID: "t1", Stage: "script", Call: call.call})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, res.Wait.Waited)
	assert.Equal(t, 3, polls)
}

func TestResolverPassesThroughNonBusyOutcome(t *testing.T) {
	want := stage.Transient("image", "execute", "503", nil)
	res, err := conflict.New(nil, nil).Run(context.Background(), conflict.Invocation{
		TaskID: "t1",
		Stage:  "image",
		Call: func(context.Context) (stage.Result, error) {
			return stage.Result{}, want
		},
	})
	assert.ErrorIs(t, err, services.ErrTransient)
	assert.Nil(t, res.Wait)
}

func TestResolverContextCancelStopsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	resolver := conflict.New(nil, nil, conflict.WithPollInterval(time.Hour))
	done := make(chan error, 1)
	go func() {
		_, err := resolver.Run(ctx, conflict.Invocation{
			TaskID: "t1",
			Stage:  "video",
			Call: func(context.Context) (stage.Result, error) {
				calls++
				return stage.Result{}, &stage.BusyError{Resource: "r"}
			},
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("resolver did not stop after context cancellation")
	}
}

func TestHTTPStatusChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/scripts/status/done":
			_, _ = w.Write([]byte(`{"status":"completed"}`))
		case "/api/scripts/status/running":
			_, _ = w.Write([]byte(`{"status":"processing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	checker := conflict.NewHTTPStatusChecker(server.URL+"/api/scripts/status/", time.Second)
	status, err := checker.Status(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusCompleted, status)

	status, err = checker.Status(context.Background(), "running")
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusPending, status)

	_, err = checker.Status(context.Background(), "missing")
	assert.Error(t, err)
}

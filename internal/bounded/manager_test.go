package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonbystrom/teamrun/internal/metrics"
)

func TestManager_NeverExceedsMaxConcurrent(t *testing.T) {
	const k, n = 3, 24
	m := New(k)

	var running, peak atomic.Int64
	for i := 0; i < n; i++ {
		m.Submit(context.Background(), func(ctx context.Context) (any, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}, "")
	}

	require.True(t, m.WaitAllComplete(5*time.Second))
	assert.LessOrEqual(t, peak.Load(), int64(k))
	assert.Positive(t, peak.Load())
	assert.Len(t, m.Results(), n)
	assert.Equal(t, 0, m.Pending())
}

func TestManager_Results(t *testing.T) {
	m := New(2)
	boom := errors.New("boom")

	ok := m.Submit(context.Background(), func(ctx context.Context) (any, error) { return 42, nil }, "answer")
	bad := m.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, boom }, "")
	panicky := m.Submit(context.Background(), func(ctx context.Context) (any, error) { panic("kaboom") }, "panicky")

	require.True(t, m.WaitAllComplete(time.Second))
	res := m.Results()

	assert.Equal(t, "answer", ok)
	assert.Equal(t, StatusSuccess, res[ok].Status)
	assert.Equal(t, 42, res[ok].Value)
	assert.NoError(t, res[ok].Err)

	assert.Equal(t, "task_2", bad)
	assert.Equal(t, StatusFailed, res[bad].Status)
	assert.ErrorIs(t, res[bad].Err, boom)

	assert.Equal(t, StatusFailed, res[panicky].Status)
	assert.ErrorContains(t, res[panicky].Err, "kaboom")
}

func TestManager_DuplicateNamesGetDistinctIDs(t *testing.T) {
	m := New(1)
	noop := func(ctx context.Context) (any, error) { return nil, nil }

	a := m.Submit(context.Background(), noop, "launch")
	b := m.Submit(context.Background(), noop, "launch")

	assert.NotEqual(t, a, b)
	require.True(t, m.WaitAllComplete(time.Second))
	assert.Len(t, m.Results(), 2)
}

func TestManager_WaitAllCompleteTimesOut(t *testing.T) {
	m := New(1)
	release := make(chan struct{})
	id := m.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	}, "slow")

	assert.False(t, m.WaitAllComplete(20*time.Millisecond))
	_, finished := m.Result(id)
	assert.False(t, finished)
	assert.Equal(t, 1, m.Pending())

	close(release)
	assert.True(t, m.WaitAllComplete(time.Second))
	out, finished := m.Result(id)
	require.True(t, finished)
	assert.Equal(t, "done", out.Value)
}

func TestManager_WaitWithNothingSubmitted(t *testing.T) {
	m := New(4)
	assert.True(t, m.WaitAllComplete(time.Millisecond))
	assert.Empty(t, m.Results())
}

func TestManager_ShutdownCancelsRunningAndQueued(t *testing.T) {
	m := New(1)
	started := make(chan struct{})

	running := m.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		// hold the slot so the queued task sees its own cancellation
		time.Sleep(20 * time.Millisecond)
		return nil, ctx.Err()
	}, "running")
	var ran atomic.Bool
	queued := m.Submit(context.Background(), func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, "queued")

	<-started
	m.Shutdown()
	m.Shutdown()
	require.True(t, m.WaitAllComplete(time.Second))

	res := m.Results()
	assert.Equal(t, StatusCancelled, res[running].Status)
	assert.ErrorIs(t, res[running].Err, context.Canceled)
	assert.Equal(t, StatusCancelled, res[queued].Status)
	assert.False(t, ran.Load())

	late := m.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, "late")
	out, ok := m.Result(late)
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, ErrShutdown)
}

func TestManager_Cancel(t *testing.T) {
	m := New(2)
	id := m.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, "")

	assert.True(t, m.Cancel(id))
	require.True(t, m.WaitAllComplete(time.Second))
	assert.False(t, m.Cancel(id))
	assert.False(t, m.Cancel("missing"))

	out, _ := m.Result(id)
	assert.Equal(t, StatusCancelled, out.Status)
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(2, WithMetrics(metrics.MustNew(reg)))

	for i := 0; i < 3; i++ {
		m.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, fmt.Sprint("ok", i))
	}
	m.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, errors.New("x") }, "bad")
	require.True(t, m.WaitAllComplete(time.Second))

	count, err := testutil.GatherAndCount(reg, "teamrun_bounded_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNew_ClampsMax(t *testing.T) {
	assert.Equal(t, 1, New(0).MaxConcurrent())
	assert.Equal(t, 5, New(5).MaxConcurrent())
}

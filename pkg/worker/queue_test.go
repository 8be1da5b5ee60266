package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xonfour/horizont-sub000/metric"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	items []int
}

func (r *recorder) process(_ context.Context, v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	return nil
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.items...)
}

func TestNewQueue_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewQueue[int]("nil", nil)
	})
}

func TestQueue_PreservesOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue("order", rec.process)

	// work submitted before start is kept
	require.NoError(t, q.Submit(0))
	require.NoError(t, q.Start(context.Background()))

	for i := 1; i < 100; i++ {
		require.NoError(t, q.Submit(i))
	}
	require.NoError(t, q.Stop(time.Second))

	got := rec.snapshot()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}

	stats := q.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
	assert.Equal(t, 0, stats.Depth)
}

func TestQueue_SubmitAfterStop(t *testing.T) {
	q := NewFuncQueue("stopped")
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(time.Second))

	assert.ErrorIs(t, q.Submit(func() {}), ErrQueueStopped)
	_, err := q.SubmitKeyed("k", func() {})
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueStopped)

	// second stop is a no-op
	assert.NoError(t, q.Stop(time.Second))
}

func TestQueue_DoubleStart(t *testing.T) {
	q := NewFuncQueue("double")
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop(time.Second)

	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueAlreadyStarted)
}

func TestQueue_SubmitKeyedReplacesInPlace(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	q := NewQueue("keyed", func(ctx context.Context, v int) error {
		if v == -1 {
			<-gate
			return nil
		}
		return rec.process(ctx, v)
	})
	require.NoError(t, q.Start(context.Background()))

	// block the worker so the following items stay pending
	require.NoError(t, q.Submit(-1))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	replaced, err := q.SubmitKeyed("a", 1)
	require.NoError(t, err)
	assert.False(t, replaced)
	require.NoError(t, q.Submit(2))
	replaced, err = q.SubmitKeyed("a", 3)
	require.NoError(t, err)
	assert.True(t, replaced)

	close(gate)
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, []int{3, 2}, rec.snapshot())
	assert.Equal(t, int64(1), q.Stats().Replaced)
}

func TestQueue_KeyReusableAfterProcessing(t *testing.T) {
	rec := &recorder{}
	q := NewQueue("reuse", rec.process)
	require.NoError(t, q.Start(context.Background()))

	_, err := q.SubmitKeyed("k", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	replaced, err := q.SubmitKeyed("k", 2)
	require.NoError(t, err)
	assert.False(t, replaced)

	require.NoError(t, q.Stop(time.Second))
	assert.Equal(t, []int{1, 2}, rec.snapshot())
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	rec := &recorder{}
	q := NewQueue("panic", func(ctx context.Context, v int) error {
		if v == 1 {
			panic("boom")
		}
		if v == 2 {
			return errors.New("failed")
		}
		return rec.process(ctx, v)
	})
	require.NoError(t, q.Start(context.Background()))

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, q.Submit(v))
	}
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, []int{3}, rec.snapshot())
	assert.Equal(t, int64(2), q.Stats().Failed)
}

func TestQueue_StopTimeout(t *testing.T) {
	gate := make(chan struct{})
	q := NewFuncQueue("slow")
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Submit(func() { <-gate }))

	assert.ErrorIs(t, q.Stop(20*time.Millisecond), ErrStopTimeout)
	close(gate)
	require.Eventually(t, func() bool {
		select {
		case <-q.done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestQueue_ContextCancelStopsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewFuncQueue("cancel")
	require.NoError(t, q.Start(ctx))
	cancel()

	assert.NoError(t, q.Stop(time.Second))
}

func TestQueue_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	rec := &recorder{}
	q := NewQueue("metrics", rec.process, WithMetricsRegistry[int](registry, "test_events"))
	require.NotNil(t, q.metrics)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Submit(1))
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.processed))
	assert.Equal(t, 0.0, testutil.ToFloat64(q.metrics.depth))
}

package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_ReturnsResult(t *testing.T) {
	v, err := Call(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCall_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Call(context.Background(), time.Second, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeout(err))
}

func TestCall_TimeoutDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Call(context.Background(), 50*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCall_RecoversPanic(t *testing.T) {
	_, err := Call(context.Background(), time.Second, func(context.Context) (int, error) {
		panic("bad module")
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad module", pe.Value)
}

func TestCallDiscard_LateValueIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var discarded atomic.Int32

	_, err := CallDiscard(context.Background(), 20*time.Millisecond,
		func(context.Context) (int, error) {
			<-release
			return 7, nil
		},
		func(v int) { discarded.Store(int32(v)) })
	require.True(t, IsTimeout(err))

	close(release)
	assert.Eventually(t, func() bool { return discarded.Load() == 7 }, time.Second, 5*time.Millisecond)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// Package guard bounds how long a caller waits for foreign code.
//
// The call runs on its own goroutine and the caller selects between its
// completion and a timer. The goroutine is never killed: a call that outlives
// its budget keeps running and its late result is discarded.
package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xonfour/horizont-sub000/errors"
)

// PanicError carries a panic recovered from a guarded call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type result[T any] struct {
	value T
	err   error
}

// Call runs fn and waits at most timeout for it to return. A non-positive
// timeout waits for fn or ctx only. On timeout the returned error matches
// errors.ErrTimeout.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	return CallDiscard(ctx, timeout, fn, nil)
}

// CallDiscard is Call with a hook that receives values produced after the
// caller stopped waiting, so resources such as streams can be released.
func CallDiscard[T any](
	ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error), discard func(T),
) (T, error) {
	var zero T

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Buffered so a late goroutine never blocks on send
	done := make(chan result[T], 1)
	var (
		mu        sync.Mutex
		abandoned bool
	)

	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: &PanicError{Value: p, Stack: debug.Stack()}}
			}
			mu.Lock()
			late := abandoned
			if !late {
				done <- r
			}
			mu.Unlock()
			if late && discard != nil && r.err == nil {
				discard(r.value)
			}
		}()
		r.value, r.err = fn(callCtx)
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-callCtx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		// The call may have finished in the same instant
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", errors.ErrTimeout, timeout)
	}
}

// Run is Call for functions without a result value.
func Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// IsTimeout reports whether err was produced by an expired budget.
func IsTimeout(err error) bool {
	return errors.Is(err, errors.ErrTimeout)
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("operation timed out")

// RaceWithLateCompletion races op against timeout. If op finishes first its
// result is returned. Otherwise fallback and ErrTimeout (or the context error)
// are returned at once, and onLate receives op's result whenever it
// eventually arrives, so callers can still reconcile state. onLate may be nil.
func RaceWithLateCompletion[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error), fallback T, onLate func(T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	var (
		mu       sync.Mutex
		timedOut bool
	)
	done := make(chan outcome, 1)

	go func() {
		value, err := op(ctx)
		mu.Lock()
		if timedOut {
			mu.Unlock()
			if onLate != nil {
				onLate(value, err)
			}
			return
		}
		done <- outcome{value: value, err: err}
		mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	select {
	case o := <-done:
		return o.value, o.err
	default:
	}
	timedOut = true
	if err := ctx.Err(); err != nil {
		return fallback, err
	}
	return fallback, ErrTimeout
}

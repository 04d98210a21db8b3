package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

type timedResult struct {
	value interface{}
	err   error
}

// Timeout runs fn under a deadline derived from ctx. On expiry the
// derived context is cancelled so cooperative handlers can stop; a
// handler that ignores it finishes detached and its result is
// discarded. d <= 0 runs fn directly with no deadline.
func Timeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := TimeoutResult(ctx, d, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// TimeoutResult is Timeout for functions that return a value.
func TimeoutResult(ctx context.Context, d time.Duration, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if d <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan timedResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- timedResult{err: fmt.Errorf("panic in timed operation: %v\n%s", r, debug.Stack())}
			}
		}()
		value, err := fn(tctx)
		done <- timedResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, core.Wrap(core.CategoryTimeout,
				fmt.Sprintf("operation timed out after %s", d), tctx.Err())
		}
		// The parent context was cancelled, not our deadline.
		return nil, ctx.Err()
	}
}

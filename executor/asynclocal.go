package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// AsyncLocal starts a goroutine per submission, gated by a weighted
// semaphore so a flood of submissions queues instead of exhausting the
// scheduler. Submit returns the ref before the work starts.
type AsyncLocal struct {
	registry *Registry
	results  *ResultStore
	logger   core.Logger
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewAsyncLocal creates the executor.
func NewAsyncLocal(registry *Registry, config Config) *AsyncLocal {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncLocal{
		registry:   registry,
		results:    NewResultStore(config.ResultCapacity),
		logger:     config.Logger,
		sem:        semaphore.NewWeighted(config.MaxConcurrency),
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit registers the ref and schedules the work.
func (a *AsyncLocal) Submit(ctx context.Context, spec core.WorkSpec) (string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", core.ErrExecutorClosed
	}
	a.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return "", err
	}
	reg, err := a.registry.Resolve(spec)
	if err != nil {
		return "", err
	}
	if err := refuseAffinity(reg, AffinitySync, "async-local"); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("async-%s", core.NewRequestID())
	a.results.Create(ref)

	a.wg.Add(1)
	go a.run(ref, spec, reg)
	return ref, nil
}

func (a *AsyncLocal) run(ref string, spec core.WorkSpec, reg Registration) {
	defer a.wg.Done()

	if err := a.sem.Acquire(a.baseCtx, 1); err != nil {
		a.results.Cancel(ref)
		return
	}
	defer a.sem.Release(1)

	// Cancelled while waiting on the semaphore.
	if a.results.State(ref) != core.RunStatePending {
		return
	}

	runCtx, cancel := context.WithCancel(a.baseCtx)
	a.mu.Lock()
	a.cancels[ref] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, ref)
		a.mu.Unlock()
	}()

	a.results.SetRunning(ref)
	started := time.Now()

	result, err := invoke(runCtx, reg.Handler, spec)
	if err != nil {
		if a.baseCtx.Err() != nil {
			a.results.Cancel(ref)
			return
		}
		a.results.Fail(ref, err)
		a.logger.Warn("async task failed", map[string]interface{}{
			"operation":   "async_run",
			"ref":         ref,
			"handler":     reg.Key,
			"duration_ms": time.Since(started).Milliseconds(),
			"error":       err.Error(),
		})
		return
	}
	a.results.Complete(ref, result)
}

// Status reports the ref's state.
func (a *AsyncLocal) Status(_ context.Context, ref string) core.RunState {
	return a.results.State(ref)
}

// Result returns the stored result.
func (a *AsyncLocal) Result(_ context.Context, ref string) (map[string]interface{}, error) {
	return a.results.Result(ref)
}

// Err returns the stored failure.
func (a *AsyncLocal) Err(_ context.Context, ref string) (error, error) {
	return a.results.Err(ref)
}

// Wait blocks until the ref finishes or the timeout expires.
func (a *AsyncLocal) Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error) {
	return a.results.Wait(ctx, ref, timeout)
}

// Cancel stops a pending or running ref.
func (a *AsyncLocal) Cancel(_ context.Context, ref string) error {
	state := a.results.State(ref)
	switch state {
	case core.RunStateNotFound:
		return fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	case core.RunStateCompleted, core.RunStateFailed, core.RunStateCancelled:
		return nil
	}

	a.results.Cancel(ref)
	a.mu.Lock()
	cancel, running := a.cancels[ref]
	a.mu.Unlock()
	if running {
		cancel()
	}
	return nil
}

// ActiveCount reports refs not yet terminal.
func (a *AsyncLocal) ActiveCount() int {
	return a.results.Active()
}

// Close cancels in-flight work and waits for goroutines to exit.
func (a *AsyncLocal) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.baseCancel()
	a.wg.Wait()
	return nil
}

var _ Executor = (*AsyncLocal)(nil)

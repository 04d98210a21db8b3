package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// localTask is a queued unit of work for the Local pool.
type localTask struct {
	ref  string
	spec core.WorkSpec
	reg  Registration
}

// Local runs handlers on a fixed pool of worker goroutines fed by a
// bounded channel. Submit returns as soon as the task is queued; a
// full queue rejects with RATE_LIMITED so callers can back off.
type Local struct {
	registry *Registry
	results  *ResultStore
	logger   core.Logger
	tasks    chan localTask
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewLocal creates the pool and starts its workers.
func NewLocal(registry *Registry, config Config) *Local {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		registry:   registry,
		results:    NewResultStore(config.ResultCapacity),
		logger:     config.Logger,
		tasks:      make(chan localTask, config.QueueSize),
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
	for i := 0; i < config.MaxWorkers; i++ {
		l.wg.Add(1)
		go l.worker(i + 1)
	}
	l.logger.Info("local executor started", map[string]interface{}{
		"operation":   "local_start",
		"max_workers": config.MaxWorkers,
		"queue_size":  config.QueueSize,
	})
	return l
}

// Submit queues the spec for the pool.
func (l *Local) Submit(ctx context.Context, spec core.WorkSpec) (string, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", core.ErrExecutorClosed
	}
	l.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return "", err
	}
	reg, err := l.registry.Resolve(spec)
	if err != nil {
		return "", err
	}
	if err := refuseAffinity(reg, AffinityAsync, "local"); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("local-%s", core.NewRequestID())
	l.results.Create(ref)

	select {
	case l.tasks <- localTask{ref: ref, spec: spec, reg: reg}:
		return ref, nil
	default:
		l.results.Fail(ref, core.ErrRateLimitExceeded)
		return "", core.Wrap(core.CategoryRateLimited,
			fmt.Sprintf("local executor queue full (%d pending)", cap(l.tasks)), core.ErrRateLimitExceeded)
	}
}

func (l *Local) worker(id int) {
	defer l.wg.Done()
	for {
		// Shutdown wins over queued work.
		select {
		case <-l.baseCtx.Done():
			return
		default:
		}
		select {
		case <-l.baseCtx.Done():
			return
		case task, ok := <-l.tasks:
			if !ok {
				return
			}
			l.run(id, task)
		}
	}
}

func (l *Local) run(workerID int, task localTask) {
	// Cancelled while still queued.
	if l.results.State(task.ref) != core.RunStatePending {
		return
	}

	runCtx, cancel := context.WithCancel(l.baseCtx)
	l.mu.Lock()
	l.cancels[task.ref] = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		delete(l.cancels, task.ref)
		l.mu.Unlock()
	}()

	l.results.SetRunning(task.ref)
	started := time.Now()

	result, err := invoke(runCtx, task.reg.Handler, task.spec)
	if err != nil {
		if l.baseCtx.Err() != nil {
			l.results.Cancel(task.ref)
			return
		}
		l.results.Fail(task.ref, err)
		l.logger.Warn("task failed", map[string]interface{}{
			"operation":   "local_run",
			"worker_id":   workerID,
			"ref":         task.ref,
			"handler":     task.reg.Key,
			"duration_ms": time.Since(started).Milliseconds(),
			"error":       err.Error(),
		})
		return
	}
	l.results.Complete(task.ref, result)
	l.logger.Debug("task completed", map[string]interface{}{
		"operation":   "local_run",
		"worker_id":   workerID,
		"ref":         task.ref,
		"handler":     task.reg.Key,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

// Status reports the ref's state.
func (l *Local) Status(_ context.Context, ref string) core.RunState {
	return l.results.State(ref)
}

// Result returns the stored result.
func (l *Local) Result(_ context.Context, ref string) (map[string]interface{}, error) {
	return l.results.Result(ref)
}

// Err returns the stored failure.
func (l *Local) Err(_ context.Context, ref string) (error, error) {
	return l.results.Err(ref)
}

// Wait blocks until the ref finishes or the timeout expires.
func (l *Local) Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error) {
	return l.results.Wait(ctx, ref, timeout)
}

// Cancel stops a queued or running ref. Queued tasks are marked
// cancelled and skipped when a worker reaches them; running tasks get
// their context cancelled.
func (l *Local) Cancel(_ context.Context, ref string) error {
	state := l.results.State(ref)
	switch state {
	case core.RunStateNotFound:
		return fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	case core.RunStateCompleted, core.RunStateFailed, core.RunStateCancelled:
		return nil
	}

	l.results.Cancel(ref)
	l.mu.Lock()
	cancel, running := l.cancels[ref]
	l.mu.Unlock()
	if running {
		cancel()
	}
	return nil
}

// ActiveCount reports queued plus running refs.
func (l *Local) ActiveCount() int {
	return l.results.Active()
}

// Close stops accepting work, waits for workers to exit, and marks
// still-queued tasks cancelled.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.baseCancel()
	l.wg.Wait()

	for {
		select {
		case task := <-l.tasks:
			l.results.Cancel(task.ref)
		default:
			l.logger.Info("local executor stopped", map[string]interface{}{
				"operation": "local_stop",
			})
			return nil
		}
	}
}

var _ Executor = (*Local)(nil)

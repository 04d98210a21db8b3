package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// External hands submissions to a broker for worker processes to
// execute. The submitting process observes progress through the
// broker's result keys; completion is polled, not signalled.
type External struct {
	broker   Broker
	logger   core.Logger
	waitPoll time.Duration

	mu        sync.Mutex
	submitted map[string]string // ref -> lane
	closed    bool
}

// NewExternal creates a broker-backed executor. The broker stays owned
// by the caller so worker processes can share it.
func NewExternal(broker Broker, config Config) *External {
	config = config.withDefaults()
	return &External{
		broker:    broker,
		logger:    config.Logger,
		waitPoll:  config.WaitPoll,
		submitted: make(map[string]string),
	}
}

// Submit enqueues the spec on its lane and returns immediately.
func (e *External) Submit(ctx context.Context, spec core.WorkSpec) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", core.ErrExecutorClosed
	}
	e.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("ext-%s", core.NewRequestID())
	job := Job{
		Ref:        ref,
		Spec:       spec,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := e.broker.Enqueue(ctx, spec.Lane, job); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.submitted[ref] = spec.Lane
	e.mu.Unlock()
	return ref, nil
}

// SubmitJob enqueues a fully-formed job, preserving its execution
// linkage. Used by the dispatcher so workers can write ledger updates.
func (e *External) SubmitJob(ctx context.Context, job Job) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", core.ErrExecutorClosed
	}
	e.mu.Unlock()

	if job.Ref == "" {
		job.Ref = fmt.Sprintf("ext-%s", core.NewRequestID())
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := e.broker.Enqueue(ctx, job.Spec.Lane, job); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.submitted[job.Ref] = job.Spec.Lane
	e.mu.Unlock()
	return job.Ref, nil
}

// Status reads the broker's result key. An enqueued job with no result
// yet is pending from this side.
func (e *External) Status(ctx context.Context, ref string) core.RunState {
	result, err := e.broker.GetResult(ctx, ref)
	if err != nil || result == nil {
		e.mu.Lock()
		_, known := e.submitted[ref]
		e.mu.Unlock()
		if known {
			return core.RunStatePending
		}
		return core.RunStateNotFound
	}
	return result.State
}

// Result returns the worker-recorded result.
func (e *External) Result(ctx context.Context, ref string) (map[string]interface{}, error) {
	result, err := e.broker.GetResult(ctx, ref)
	if err != nil {
		return nil, err
	}
	if result == nil {
		if e.Status(ctx, ref) == core.RunStateNotFound {
			return nil, fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
		}
		return nil, core.Errorf(core.CategoryConflict, "run %s has not finished", ref)
	}
	switch result.State {
	case core.RunStateCompleted:
		return result.Result, nil
	case core.RunStateFailed:
		return nil, errors.New(result.Error)
	case core.RunStateCancelled:
		return nil, core.Errorf(core.CategoryConflict, "run %s was cancelled", ref)
	default:
		return nil, core.Errorf(core.CategoryConflict, "run %s has not finished", ref)
	}
}

// Err returns the worker-recorded failure, if any.
func (e *External) Err(ctx context.Context, ref string) (error, error) {
	result, err := e.broker.GetResult(ctx, ref)
	if err != nil {
		return nil, err
	}
	if result == nil {
		if e.Status(ctx, ref) == core.RunStateNotFound {
			return nil, fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
		}
		return nil, nil
	}
	if result.State == core.RunStateFailed && result.Error != "" {
		return errors.New(result.Error), nil
	}
	return nil, nil
}

// Wait polls the result key until the run finishes or the timeout
// expires.
func (e *External) Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	ticker := time.NewTicker(e.waitPoll)
	defer ticker.Stop()

	for {
		state := e.Status(ctx, ref)
		if state.IsTerminal() || state == core.RunStateNotFound {
			return state, nil
		}
		select {
		case <-ticker.C:
		case <-expire:
			return state, core.Errorf(core.CategoryTimeout, "run %s did not finish within %s", ref, timeout)
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Cancel marks the ref for cancellation. A job a worker has not picked
// up yet is dropped when the mark is seen; a running job finishes on
// its own since external workers cannot be reached mid-flight.
func (e *External) Cancel(ctx context.Context, ref string) error {
	if e.Status(ctx, ref) == core.RunStateNotFound {
		return fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	}
	return e.broker.RequestCancel(ctx, ref)
}

// ActiveCount reports submissions made by this process that have no
// terminal result yet.
func (e *External) ActiveCount() int {
	e.mu.Lock()
	refs := make([]string, 0, len(e.submitted))
	for ref := range e.submitted {
		refs = append(refs, ref)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active := 0
	for _, ref := range refs {
		result, err := e.broker.GetResult(ctx, ref)
		if err == nil && (result == nil || !result.State.IsTerminal()) {
			active++
		}
	}
	return active
}

// Close stops accepting submissions. The broker is left open for the
// caller.
func (e *External) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Executor = (*External)(nil)

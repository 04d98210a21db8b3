package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Memory runs the handler inline on the caller's goroutine: Submit
// does not return until the work finished. Used by the dev tier and
// tests where determinism beats throughput.
type Memory struct {
	registry *Registry
	results  *ResultStore
	logger   core.Logger

	mu     sync.Mutex
	closed bool
}

// NewMemory creates an inline executor.
func NewMemory(registry *Registry, config Config) *Memory {
	config = config.withDefaults()
	return &Memory{
		registry: registry,
		results:  NewResultStore(config.ResultCapacity),
		logger:   config.Logger,
	}
}

// Submit resolves the handler and runs it before returning.
func (m *Memory) Submit(ctx context.Context, spec core.WorkSpec) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", core.ErrExecutorClosed
	}
	m.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return "", err
	}
	reg, err := m.registry.Resolve(spec)
	if err != nil {
		return "", err
	}
	if err := refuseAffinity(reg, AffinityAsync, "memory"); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("mem-%s", core.NewRequestID())
	m.results.Create(ref)
	m.results.SetRunning(ref)

	result, err := invoke(ctx, reg.Handler, spec)
	if err != nil {
		m.results.Fail(ref, err)
		m.logger.Warn("inline run failed", map[string]interface{}{
			"operation": "memory_submit",
			"ref":       ref,
			"handler":   reg.Key,
			"error":     err.Error(),
		})
		return ref, nil
	}
	m.results.Complete(ref, result)
	return ref, nil
}

// Status reports the ref's state.
func (m *Memory) Status(_ context.Context, ref string) core.RunState {
	return m.results.State(ref)
}

// Result returns the stored result.
func (m *Memory) Result(_ context.Context, ref string) (map[string]interface{}, error) {
	return m.results.Result(ref)
}

// Err returns the stored failure.
func (m *Memory) Err(_ context.Context, ref string) (error, error) {
	return m.results.Err(ref)
}

// Wait returns immediately for inline runs, which are always terminal
// by the time the caller holds a ref.
func (m *Memory) Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error) {
	return m.results.Wait(ctx, ref, timeout)
}

// Cancel is a no-op for terminal refs; inline runs cannot be reached.
func (m *Memory) Cancel(_ context.Context, ref string) error {
	if m.results.State(ref) == core.RunStateNotFound {
		return fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	}
	m.results.Cancel(ref)
	return nil
}

// ActiveCount is zero except while a Submit is in flight.
func (m *Memory) ActiveCount() int {
	return m.results.Active()
}

// Close stops accepting submissions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Executor = (*Memory)(nil)

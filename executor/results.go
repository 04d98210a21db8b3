package executor

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// resultEntry tracks one submitted ref.
type resultEntry struct {
	ref    string
	state  core.RunState
	result map[string]interface{}
	err    error
	done   chan struct{}
	elem   *list.Element
}

// ResultStore keeps per-ref state and results in memory. Terminal
// entries are bounded: once more than capacity refs have finished, the
// oldest finished entries are evicted. Active refs are never evicted.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*resultEntry
	finished *list.List
	active   int
}

// NewResultStore creates a store retaining up to capacity terminal
// entries.
func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = DefaultConfig().ResultCapacity
	}
	return &ResultStore{
		capacity: capacity,
		entries:  make(map[string]*resultEntry),
		finished: list.New(),
	}
}

// Create registers a new pending ref.
func (s *ResultStore) Create(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[ref]; exists {
		return
	}
	s.entries[ref] = &resultEntry{
		ref:   ref,
		state: core.RunStatePending,
		done:  make(chan struct{}),
	}
	s.active++
}

// SetRunning moves a pending ref to running.
func (s *ResultStore) SetRunning(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[ref]; ok && !e.state.IsTerminal() {
		e.state = core.RunStateRunning
	}
}

// Complete stores a successful result and wakes waiters.
func (s *ResultStore) Complete(ref string, result map[string]interface{}) {
	s.finish(ref, core.RunStateCompleted, result, nil)
}

// Fail stores a failure and wakes waiters.
func (s *ResultStore) Fail(ref string, err error) {
	s.finish(ref, core.RunStateFailed, nil, err)
}

// Cancel marks a ref cancelled and wakes waiters.
func (s *ResultStore) Cancel(ref string) {
	s.finish(ref, core.RunStateCancelled, nil, nil)
}

func (s *ResultStore) finish(ref string, state core.RunState, result map[string]interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref]
	if !ok || e.state.IsTerminal() {
		return
	}
	e.state = state
	e.result = result
	e.err = err
	e.elem = s.finished.PushBack(e)
	s.active--
	close(e.done)

	for s.finished.Len() > s.capacity {
		oldest := s.finished.Remove(s.finished.Front()).(*resultEntry)
		delete(s.entries, oldest.ref)
	}
}

// State reports the ref's state, not_found for unknown refs.
func (s *ResultStore) State(ref string) core.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[ref]; ok {
		return e.state
	}
	return core.RunStateNotFound
}

// Result returns the stored result for a completed ref. Failed refs
// return their stored error; unfinished refs return a CONFLICT error.
func (s *ResultStore) Result(ref string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	}
	switch e.state {
	case core.RunStateCompleted:
		return e.result, nil
	case core.RunStateFailed:
		return nil, e.err
	case core.RunStateCancelled:
		return nil, core.Errorf(core.CategoryConflict, "run %s was cancelled", ref)
	default:
		return nil, core.Errorf(core.CategoryConflict, "run %s has not finished", ref)
	}
}

// Err returns the stored failure for a ref. The second return reports
// lookup problems; the first is the run's own error.
func (s *ResultStore) Err(ref string) (error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	}
	return e.err, nil
}

// Wait blocks until the ref finishes, the timeout elapses, or ctx is
// cancelled. It returns the last observed state.
func (s *ResultStore) Wait(ctx context.Context, ref string, timeout time.Duration) (core.RunState, error) {
	s.mu.Lock()
	e, ok := s.entries[ref]
	s.mu.Unlock()
	if !ok {
		return core.RunStateNotFound, fmt.Errorf("ref %s: %w", ref, core.ErrRefNotFound)
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-e.done:
		return s.State(ref), nil
	case <-expire:
		return s.State(ref), core.Errorf(core.CategoryTimeout, "run %s did not finish within %s", ref, timeout)
	case <-ctx.Done():
		return s.State(ref), ctx.Err()
	}
}

// Active reports how many refs have not finished.
func (s *ResultStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Len reports how many refs are tracked, active and retained terminal.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

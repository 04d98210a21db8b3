package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestLocalSubmitAndWait(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "add", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"sum": params["a"].(int) + params["b"].(int)}, nil
	})
	l := NewLocal(r, Config{MaxWorkers: 2})
	defer l.Close()

	ref, err := l.Submit(context.Background(), taskSpec("add", map[string]interface{}{"a": 2, "b": 3}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	state, err := l.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != core.RunStateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	result, err := l.Result(context.Background(), ref)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["sum"] != 5 {
		t.Errorf("result = %v, want sum 5", result)
	}
}

func TestLocalQueueFullRejects(t *testing.T) {
	r := NewRegistry(nil)
	block := make(chan struct{})
	r.Register(core.KindTask, "stall", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	l := NewLocal(r, Config{MaxWorkers: 1, QueueSize: 1})
	defer func() {
		close(block)
		l.Close()
	}()

	// First fills the worker, second fills the queue.
	if _, err := l.Submit(context.Background(), taskSpec("stall", nil)); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := l.Submit(context.Background(), taskSpec("stall", nil)); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	_, err := l.Submit(context.Background(), taskSpec("stall", nil))
	if core.CategoryOf(err) != core.CategoryRateLimited {
		t.Errorf("err = %v, want RATE_LIMITED on full queue", err)
	}
}

func TestLocalCancelQueuedTaskNeverRuns(t *testing.T) {
	r := NewRegistry(nil)
	block := make(chan struct{})
	var ran atomic.Int32
	r.Register(core.KindTask, "stall", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	r.Register(core.KindTask, "tracked", func(context.Context, map[string]interface{}) (interface{}, error) {
		ran.Add(1)
		return nil, nil
	})
	l := NewLocal(r, Config{MaxWorkers: 1, QueueSize: 4})
	defer l.Close()

	// Occupy the single worker, then queue the tracked task.
	if _, err := l.Submit(context.Background(), taskSpec("stall", nil)); err != nil {
		t.Fatalf("submit stall: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	queuedRef, err := l.Submit(context.Background(), taskSpec("tracked", nil))
	if err != nil {
		t.Fatalf("submit tracked: %v", err)
	}

	if err := l.Cancel(context.Background(), queuedRef); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(block)

	state, err := l.Wait(context.Background(), queuedRef, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != core.RunStateCancelled {
		t.Fatalf("state = %s, want cancelled", state)
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() != 0 {
		t.Error("cancelled queued task must not run")
	}
}

func TestLocalCancelRunningTask(t *testing.T) {
	r := NewRegistry(nil)
	started := make(chan struct{})
	r.Register(core.KindTask, "long", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	l := NewLocal(r, Config{MaxWorkers: 1})
	defer l.Close()

	ref, err := l.Submit(context.Background(), taskSpec("long", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	if err := l.Cancel(context.Background(), ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	state, err := l.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != core.RunStateCancelled {
		t.Errorf("state = %s, want cancelled", state)
	}
}

func TestLocalCancelUnknownRef(t *testing.T) {
	l := NewLocal(NewRegistry(nil), Config{MaxWorkers: 1})
	defer l.Close()
	if err := l.Cancel(context.Background(), "ghost"); !errors.Is(err, core.ErrRefNotFound) {
		t.Errorf("err = %v, want ErrRefNotFound", err)
	}
}

func TestLocalRefusesAsyncHandlers(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAsync(core.KindTask, "bg", echoHandler)
	l := NewLocal(r, Config{MaxWorkers: 1})
	defer l.Close()

	_, err := l.Submit(context.Background(), taskSpec("bg", nil))
	if !errors.Is(err, core.ErrHandlerKindMismatch) {
		t.Errorf("err = %v, want ErrHandlerKindMismatch", err)
	}
}

func TestLocalCloseCancelsQueued(t *testing.T) {
	r := NewRegistry(nil)
	block := make(chan struct{})
	defer close(block)
	r.Register(core.KindTask, "stall", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	l := NewLocal(r, Config{MaxWorkers: 1, QueueSize: 4})

	if _, err := l.Submit(context.Background(), taskSpec("stall", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	queuedRef, err := l.Submit(context.Background(), taskSpec("stall", nil))
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := l.Status(context.Background(), queuedRef); got != core.RunStateCancelled {
		t.Errorf("queued ref after close = %s, want cancelled", got)
	}
	if _, err := l.Submit(context.Background(), taskSpec("stall", nil)); !errors.Is(err, core.ErrExecutorClosed) {
		t.Errorf("submit after close err = %v, want ErrExecutorClosed", err)
	}
}

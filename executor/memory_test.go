package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func taskSpec(name string, params map[string]interface{}) core.WorkSpec {
	return core.WorkSpec{Kind: core.KindTask, Name: name, Params: params}
}

func TestMemorySubmitRunsInline(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "double", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"doubled": params["n"].(int) * 2}, nil
	})
	m := NewMemory(r, Config{})

	ref, err := m.Submit(context.Background(), taskSpec("double", map[string]interface{}{"n": 21}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := m.Status(context.Background(), ref); got != core.RunStateCompleted {
		t.Fatalf("status = %s, inline run must be terminal after Submit", got)
	}
	result, err := m.Result(context.Background(), ref)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["doubled"] != 42 {
		t.Errorf("result = %v, want doubled 42", result)
	}
}

func TestMemoryWrapsScalarResults(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "count", func(context.Context, map[string]interface{}) (interface{}, error) {
		return 7, nil
	})
	m := NewMemory(r, Config{})

	ref, err := m.Submit(context.Background(), taskSpec("count", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := m.Result(context.Background(), ref)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["result"] != 7 {
		t.Errorf("result = %v, want scalar wrapped under result", result)
	}
}

func TestMemoryHandlerFailure(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("no such partition")
	r.Register(core.KindTask, "broken", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, boom
	})
	m := NewMemory(r, Config{})

	ref, err := m.Submit(context.Background(), taskSpec("broken", nil))
	if err != nil {
		t.Fatalf("submit itself should not fail: %v", err)
	}
	if got := m.Status(context.Background(), ref); got != core.RunStateFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	runErr, err := m.Err(context.Background(), ref)
	if err != nil {
		t.Fatalf("err lookup: %v", err)
	}
	if !errors.Is(runErr, boom) {
		t.Errorf("stored err = %v, want handler error", runErr)
	}
}

func TestMemoryRecoversPanic(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "explode", func(context.Context, map[string]interface{}) (interface{}, error) {
		panic("boom")
	})
	m := NewMemory(r, Config{})

	ref, err := m.Submit(context.Background(), taskSpec("explode", nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	runErr, _ := m.Err(context.Background(), ref)
	if runErr == nil || !strings.Contains(runErr.Error(), "panic") {
		t.Errorf("stored err = %v, want panic conversion", runErr)
	}
}

func TestMemoryHonorsSpecTimeout(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "slow", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	m := NewMemory(r, Config{})

	spec := taskSpec("slow", nil)
	spec.TimeoutSeconds = 1
	start := time.Now()
	ref, err := m.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("submit blocked %v, timeout did not fire", elapsed)
	}
	runErr, _ := m.Err(context.Background(), ref)
	if core.CategoryOf(runErr) != core.CategoryTimeout {
		t.Errorf("stored err = %v, want TIMEOUT", runErr)
	}
}

func TestMemoryRefusesAsyncHandlers(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAsync(core.KindTask, "bg", echoHandler)
	m := NewMemory(r, Config{})

	_, err := m.Submit(context.Background(), taskSpec("bg", nil))
	if !errors.Is(err, core.ErrHandlerKindMismatch) {
		t.Errorf("err = %v, want ErrHandlerKindMismatch", err)
	}
}

func TestMemoryClosedRejectsSubmit(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindTask, "x", echoHandler)
	m := NewMemory(r, Config{})
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := m.Submit(context.Background(), taskSpec("x", nil))
	if !errors.Is(err, core.ErrExecutorClosed) {
		t.Errorf("err = %v, want ErrExecutorClosed", err)
	}
}

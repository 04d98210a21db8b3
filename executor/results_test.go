package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestResultStoreLifecycle(t *testing.T) {
	s := NewResultStore(10)
	s.Create("r1")

	if got := s.State("r1"); got != core.RunStatePending {
		t.Fatalf("state = %s, want pending", got)
	}
	if _, err := s.Result("r1"); core.CategoryOf(err) != core.CategoryConflict {
		t.Errorf("Result on unfinished ref err = %v, want CONFLICT", err)
	}

	s.SetRunning("r1")
	if got := s.State("r1"); got != core.RunStateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	s.Complete("r1", map[string]interface{}{"rows": 42})
	result, err := s.Result("r1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result["rows"] != 42 {
		t.Errorf("result = %v, want rows 42", result)
	}
	if got := s.Active(); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestResultStoreFailure(t *testing.T) {
	s := NewResultStore(10)
	s.Create("r1")
	boom := errors.New("handler failed")
	s.Fail("r1", boom)

	if _, err := s.Result("r1"); !errors.Is(err, boom) {
		t.Errorf("Result err = %v, want stored failure", err)
	}
	runErr, err := s.Err("r1")
	if err != nil {
		t.Fatalf("Err lookup: %v", err)
	}
	if !errors.Is(runErr, boom) {
		t.Errorf("stored err = %v, want %v", runErr, boom)
	}
}

func TestResultStoreUnknownRef(t *testing.T) {
	s := NewResultStore(10)
	if got := s.State("ghost"); got != core.RunStateNotFound {
		t.Errorf("state = %s, want not_found", got)
	}
	if _, err := s.Result("ghost"); !errors.Is(err, core.ErrRefNotFound) {
		t.Errorf("Result err = %v, want ErrRefNotFound", err)
	}
	if _, err := s.Wait(context.Background(), "ghost", time.Second); !errors.Is(err, core.ErrRefNotFound) {
		t.Errorf("Wait err = %v, want ErrRefNotFound", err)
	}
}

func TestResultStoreWait(t *testing.T) {
	s := NewResultStore(10)
	s.Create("r1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Complete("r1", nil)
	}()

	state, err := s.Wait(context.Background(), "r1", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != core.RunStateCompleted {
		t.Errorf("state = %s, want completed", state)
	}
}

func TestResultStoreWaitTimeout(t *testing.T) {
	s := NewResultStore(10)
	s.Create("slow")

	state, err := s.Wait(context.Background(), "slow", 20*time.Millisecond)
	if core.CategoryOf(err) != core.CategoryTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if state != core.RunStatePending {
		t.Errorf("state = %s, want pending", state)
	}
}

func TestResultStoreEvictsOldestTerminal(t *testing.T) {
	s := NewResultStore(2)
	for _, ref := range []string{"a", "b", "c"} {
		s.Create(ref)
		s.Complete(ref, map[string]interface{}{"ref": ref})
	}
	s.Create("active")

	if got := s.State("a"); got != core.RunStateNotFound {
		t.Errorf("oldest terminal entry should be evicted, state = %s", got)
	}
	if got := s.State("b"); got != core.RunStateCompleted {
		t.Errorf("entry b should survive, state = %s", got)
	}
	if got := s.State("c"); got != core.RunStateCompleted {
		t.Errorf("entry c should survive, state = %s", got)
	}
	if got := s.State("active"); got != core.RunStatePending {
		t.Errorf("active entries are never evicted, state = %s", got)
	}
}

func TestResultStoreCancelWinsOnce(t *testing.T) {
	s := NewResultStore(10)
	s.Create("r1")
	s.Cancel("r1")
	s.Complete("r1", map[string]interface{}{"late": true})

	if got := s.State("r1"); got != core.RunStateCancelled {
		t.Errorf("state = %s, terminal state must not be overwritten", got)
	}
}

package executor

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func echoHandler(_ context.Context, params map[string]interface{}) (interface{}, error) {
	return params, nil
}

func TestRegistryResolveExactThenCatchAll(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(core.KindTask, "ingest", echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterCatchAll(core.KindTask, echoHandler); err != nil {
		t.Fatalf("register catch-all: %v", err)
	}

	reg, err := r.Resolve(core.WorkSpec{Kind: core.KindTask, Name: "ingest"})
	if err != nil {
		t.Fatalf("resolve exact: %v", err)
	}
	if reg.Key != "task:ingest" {
		t.Errorf("key = %s, want task:ingest", reg.Key)
	}

	reg, err = r.Resolve(core.WorkSpec{Kind: core.KindTask, Name: "anything-else"})
	if err != nil {
		t.Fatalf("resolve catch-all: %v", err)
	}
	if reg.Key != "task:__all__" {
		t.Errorf("key = %s, want task:__all__", reg.Key)
	}
}

func TestRegistryResolveNoHandler(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(core.KindTask, "ingest", echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Resolve(core.WorkSpec{Kind: core.KindOperation, Name: "ingest"})
	if !errors.Is(err, core.ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register("widget", "x", echoHandler); err == nil {
		t.Error("invalid kind should be rejected")
	}
	if err := r.Register(core.KindTask, "", echoHandler); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := r.Register(core.KindTask, "x", nil); err == nil {
		t.Error("nil handler should be rejected")
	}

	if err := r.Register(core.KindTask, "dup", echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(core.KindTask, "dup", echoHandler)
	if core.CategoryOf(err) != core.CategoryConflict {
		t.Errorf("duplicate registration err = %v, want CONFLICT", err)
	}
}

func TestRegistryAffinity(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterSync(core.KindTask, "sync-only", echoHandler); err != nil {
		t.Fatalf("register sync: %v", err)
	}
	if err := r.RegisterAsync(core.KindTask, "async-only", echoHandler); err != nil {
		t.Fatalf("register async: %v", err)
	}

	reg, _ := r.Resolve(core.WorkSpec{Kind: core.KindTask, Name: "sync-only"})
	if reg.Affinity != AffinitySync {
		t.Errorf("affinity = %s, want sync", reg.Affinity)
	}
	reg, _ = r.Resolve(core.WorkSpec{Kind: core.KindTask, Name: "async-only"})
	if reg.Affinity != AffinityAsync {
		t.Errorf("affinity = %s, want async", reg.Affinity)
	}
}

func TestRegistryKeysSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(core.KindWorkflow, "daily", echoHandler)
	r.Register(core.KindTask, "b", echoHandler)
	r.Register(core.KindTask, "a", echoHandler)

	want := []string{"task:a", "task:b", "workflow:daily"}
	if got := r.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	if !r.Has(core.KindTask, "a") {
		t.Error("Has(task, a) = false, want true")
	}
	if r.Has(core.KindTask, "missing") {
		t.Error("Has(task, missing) = true, want false")
	}
}

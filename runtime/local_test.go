package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func jobSpec(name string) ContainerJobSpec {
	return ContainerJobSpec{Name: name, Image: "registry.example/" + name + ":1"}
}

func TestLocalAdapterRunsJob(t *testing.T) {
	adapter := NewLocalAdapter(func(_ context.Context, spec ContainerJobSpec) (string, error) {
		return "processed " + spec.Name, nil
	}, nil)

	ref, err := adapter.Submit(context.Background(), jobSpec("etl"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := adapter.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != core.RunStateCompleted {
		t.Fatalf("state = %s, want %s", status.State, core.RunStateCompleted)
	}
	if status.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", status.ExitCode)
	}

	logs, err := adapter.Logs(context.Background(), ref)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if logs != "processed etl" {
		t.Errorf("logs = %q", logs)
	}
}

func TestLocalAdapterDefaultHandler(t *testing.T) {
	adapter := NewLocalAdapter(nil, nil)

	ref, err := adapter.Submit(context.Background(), jobSpec("default"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	status, err := adapter.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != core.RunStateCompleted {
		t.Fatalf("state = %s", status.State)
	}
	logs, _ := adapter.Logs(context.Background(), ref)
	if !strings.Contains(logs, "registry.example/default:1") {
		t.Errorf("default handler should record the image, got %q", logs)
	}
}

func TestLocalAdapterClassifiesFailure(t *testing.T) {
	adapter := NewLocalAdapter(func(context.Context, ContainerJobSpec) (string, error) {
		return "", errors.New("failed to pull image registry.example/etl:1")
	}, nil)

	ref, err := adapter.Submit(context.Background(), jobSpec("etl"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	status, err := adapter.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != core.RunStateFailed {
		t.Fatalf("state = %s, want %s", status.State, core.RunStateFailed)
	}
	if !strings.Contains(status.Message, string(CategoryImagePull)) {
		t.Errorf("message should carry the category, got %q", status.Message)
	}
	if status.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", status.ExitCode)
	}
}

func TestLocalAdapterKeepsJobErrorExitCode(t *testing.T) {
	adapter := NewLocalAdapter(func(context.Context, ContainerJobSpec) (string, error) {
		return "step output", &JobError{Category: CategoryUserCode, Message: "exit status 3", ExitCode: 3}
	}, nil)

	ref, _ := adapter.Submit(context.Background(), jobSpec("script"))
	status, err := adapter.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", status.ExitCode)
	}
	logs, _ := adapter.Logs(context.Background(), ref)
	if logs != "step output" {
		t.Errorf("failed jobs should keep their logs, got %q", logs)
	}
}

func TestLocalAdapterTimesOut(t *testing.T) {
	adapter := NewLocalAdapter(func(ctx context.Context, _ ContainerJobSpec) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, nil)

	spec := jobSpec("slow")
	spec.TimeoutSeconds = 1
	ref, err := adapter.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := adapter.Wait(context.Background(), ref, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != core.RunStateFailed {
		t.Fatalf("state = %s, want %s", status.State, core.RunStateFailed)
	}
	if !strings.Contains(status.Message, string(CategoryTimeout)) {
		t.Errorf("message should carry TIMEOUT, got %q", status.Message)
	}
}

func TestLocalAdapterCancel(t *testing.T) {
	started := make(chan struct{})
	adapter := NewLocalAdapter(func(ctx context.Context, _ ContainerJobSpec) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, nil)

	ref, err := adapter.Submit(context.Background(), jobSpec("longrun"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := adapter.Cancel(context.Background(), ref); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	status, err := adapter.Wait(context.Background(), ref, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != core.RunStateCancelled {
		t.Fatalf("state = %s, want %s", status.State, core.RunStateCancelled)
	}

	// Cancelling a finished job is a no-op.
	if err := adapter.Cancel(context.Background(), ref); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestLocalAdapterRejectsInvalidSpec(t *testing.T) {
	adapter := NewLocalAdapter(nil, nil)
	_, err := adapter.Submit(context.Background(), ContainerJobSpec{Name: "noimage"})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *JobError, got %T", err)
	}
	if jobErr.Category != CategoryValidation {
		t.Errorf("category = %s, want %s", jobErr.Category, CategoryValidation)
	}
}

func TestLocalAdapterUnknownRef(t *testing.T) {
	adapter := NewLocalAdapter(nil, nil)

	status, err := adapter.Status(context.Background(), "job-ghost")
	if status.State != core.RunStateNotFound {
		t.Errorf("state = %s, want %s", status.State, core.RunStateNotFound)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.Category != CategoryNotFound {
		t.Errorf("Status error = %v, want NOT_FOUND JobError", err)
	}

	if _, err := adapter.Logs(context.Background(), "job-ghost"); err == nil {
		t.Error("Logs should fail for unknown refs")
	}
	if err := adapter.Cancel(context.Background(), "job-ghost"); err == nil {
		t.Error("Cancel should fail for unknown refs")
	}
}

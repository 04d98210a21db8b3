package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestDefaultRetryableTable(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     bool
	}{
		{CategoryAuth, false},
		{CategoryQuota, true},
		{CategoryNotFound, false},
		{CategoryRuntimeUnavailable, true},
		{CategoryImagePull, true},
		{CategoryOOM, false},
		{CategoryTimeout, false},
		{CategoryUserCode, false},
		{CategoryValidation, false},
		{CategoryUnknown, true},
	}
	for _, tt := range tests {
		if got := DefaultRetryable(tt.category); got != tt.want {
			t.Errorf("DefaultRetryable(%s) = %v, want %v", tt.category, got, tt.want)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Fatalf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassifyPassesThroughJobError(t *testing.T) {
	original := NewJobError(CategoryOOM, "local", "container killed")
	wrapped := fmt.Errorf("job run: %w", original)

	got := Classify(wrapped)
	if got != original {
		t.Fatalf("Classify should return the original JobError, got %+v", got)
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"unauthorized: bad token", CategoryAuth},
		{"permission denied for namespace jobs", CategoryAuth},
		{"quota exceeded for project", CategoryQuota},
		{"429 too many requests", CategoryQuota},
		{"pod not found", CategoryNotFound},
		{"connection refused", CategoryRuntimeUnavailable},
		{"failed to pull image registry.example/app:1.2", CategoryImagePull},
		{"container killed: out of memory", CategoryOOM},
		{"operation timed out", CategoryTimeout},
		{"exit status 2", CategoryUserCode},
		{"invalid spec field", CategoryValidation},
		{"something inexplicable happened", CategoryUnknown},
	}
	for _, tt := range tests {
		got := Classify(errors.New(tt.msg))
		if got.Category != tt.want {
			t.Errorf("Classify(%q).Category = %s, want %s", tt.msg, got.Category, tt.want)
		}
		if got.Retryable != DefaultRetryable(tt.want) {
			t.Errorf("Classify(%q).Retryable = %v, want table default %v", tt.msg, got.Retryable, DefaultRetryable(tt.want))
		}
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Category != CategoryTimeout {
		t.Errorf("category = %s, want %s", got.Category, CategoryTimeout)
	}
	if got.Retryable {
		t.Error("timeouts should not be retryable by default")
	}
}

func TestJobErrorMessage(t *testing.T) {
	withRuntime := &JobError{Category: CategoryAuth, Message: "bad credentials", Runtime: "local"}
	if got, want := withRuntime.Error(), "local: AUTH: bad credentials"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	bare := &JobError{Category: CategoryUnknown, Message: "boom"}
	if got, want := bare.Error(), "UNKNOWN: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewJobErrorAppliesRetryPolicy(t *testing.T) {
	err := NewJobError(CategoryRuntimeUnavailable, "local", "backend down: %s", "connection refused")
	if !err.Retryable {
		t.Error("RUNTIME_UNAVAILABLE should default to retryable")
	}
	if err.Runtime != "local" {
		t.Errorf("runtime = %q, want local", err.Runtime)
	}
	if err.Message != "backend down: connection refused" {
		t.Errorf("unexpected message %q", err.Message)
	}
}

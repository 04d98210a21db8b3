package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies container-runtime failures. Categories drive
// the retry decision for container jobs the same way core error
// categories do for handler runs.
type ErrorCategory string

const (
	CategoryAuth               ErrorCategory = "AUTH"
	CategoryQuota              ErrorCategory = "QUOTA"
	CategoryNotFound           ErrorCategory = "NOT_FOUND"
	CategoryRuntimeUnavailable ErrorCategory = "RUNTIME_UNAVAILABLE"
	CategoryImagePull          ErrorCategory = "IMAGE_PULL"
	CategoryOOM                ErrorCategory = "OOM"
	CategoryTimeout            ErrorCategory = "TIMEOUT"
	CategoryUserCode           ErrorCategory = "USER_CODE"
	CategoryValidation         ErrorCategory = "VALIDATION"
	CategoryUnknown            ErrorCategory = "UNKNOWN"
)

// retryableCategories lists the categories where a fresh submission has
// a real chance: the quota may free up, the runtime may come back, the
// registry may answer the next pull. Auth, OOM, timeouts, user code and
// validation failures repeat identically.
var retryableCategories = map[ErrorCategory]bool{
	CategoryQuota:              true,
	CategoryRuntimeUnavailable: true,
	CategoryImagePull:          true,
	CategoryUnknown:            true,
}

// DefaultRetryable reports whether jobs failing with this category are
// retried by default.
func DefaultRetryable(category ErrorCategory) bool {
	return retryableCategories[category]
}

// JobError is a classified container-runtime failure. ProviderCode and
// ExitCode are optional backend detail; Runtime names the adapter that
// produced the error.
type JobError struct {
	Category     ErrorCategory `json:"category"`
	Message      string        `json:"message"`
	Retryable    bool          `json:"retryable"`
	ProviderCode string        `json:"provider_code,omitempty"`
	ExitCode     int           `json:"exit_code,omitempty"`
	Runtime      string        `json:"runtime,omitempty"`
}

func (e *JobError) Error() string {
	if e.Runtime != "" {
		return fmt.Sprintf("%s: %s: %s", e.Runtime, e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewJobError builds a JobError with the category's default retry
// policy.
func NewJobError(category ErrorCategory, runtime, format string, args ...interface{}) *JobError {
	return &JobError{
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
		Retryable: DefaultRetryable(category),
		Runtime:   runtime,
	}
}

// Classify converts an arbitrary adapter error into a JobError. Already
// classified errors pass through unchanged; everything else is matched
// against known backend message patterns and falls back to UNKNOWN.
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	category := CategoryUnknown
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = CategoryTimeout
	case matches(msg, "unauthorized", "forbidden", "permission denied", "access denied", "credential"):
		category = CategoryAuth
	case matches(msg, "quota", "rate limit", "throttl", "too many requests"):
		category = CategoryQuota
	case matches(msg, "not found", "no such", "404"):
		category = CategoryNotFound
	case matches(msg, "connection refused", "unavailable", "unreachable", "no route to host"):
		category = CategoryRuntimeUnavailable
	case matches(msg, "pull", "manifest unknown", "image"):
		category = CategoryImagePull
	case matches(msg, "oom", "out of memory", "memory limit"):
		category = CategoryOOM
	case matches(msg, "timeout", "timed out", "deadline exceeded"):
		category = CategoryTimeout
	case matches(msg, "exit code", "exit status", "non-zero"):
		category = CategoryUserCode
	case matches(msg, "invalid", "validation", "malformed"):
		category = CategoryValidation
	}

	return &JobError{
		Category:  category,
		Message:   msg,
		Retryable: DefaultRetryable(category),
	}
}

// matches reports whether any pattern occurs in s, case-insensitively.
func matches(s string, patterns ...string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

package core

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies an error for retry policy and HTTP status mapping.
// The category travels with the error across every layer boundary.
type Category string

const (
	CategoryValidation  Category = "VALIDATION"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryConflict    Category = "CONFLICT"
	CategoryInternal    Category = "INTERNAL"
	CategoryTimeout     Category = "TIMEOUT"
	CategoryRateLimited Category = "RATE_LIMITED"
	CategoryUnavailable Category = "UNAVAILABLE"
	CategoryCircuitOpen Category = "CIRCUIT_OPEN"
	CategoryAuth        Category = "AUTH"
	CategorySource      Category = "SOURCE"

	// CategoryTransient marks failures expected to clear on their own
	// (connection resets, lock contention). Always retryable.
	CategoryTransient Category = "TRANSIENT"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Lookup and state errors
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRefNotFound       = errors.New("execution ref not found")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Lifecycle errors
	ErrBusClosed      = errors.New("event bus is closed")
	ErrExecutorClosed = errors.New("executor is closed")

	// Handler errors
	ErrNoHandler           = errors.New("no handler registered")
	ErrHandlerKindMismatch = errors.New("handler kind does not match executor")

	// Locking errors
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Error is the typed error carried across spine layers. It pairs a
// message with a Category and an optional cause; Unwrap exposes the
// cause so errors.Is/As keep working through the chain.
type Error struct {
	Message  string   // Human-readable message
	Category Category // Classification for retry/HTTP mapping
	Cause    error    // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a categorized error.
func NewError(category Category, message string) *Error {
	return &Error{Message: message, Category: category}
}

// Errorf creates a categorized error with a formatted message.
func Errorf(category Category, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Category: category}
}

// Wrap attaches a category and message to an existing error.
func Wrap(category Category, message string, cause error) *Error {
	return &Error{Message: message, Category: category, Cause: cause}
}

// sentinelCategories maps well-known errors to their categories.
var sentinelCategories = []struct {
	err error
	cat Category
}{
	{ErrNotFound, CategoryNotFound},
	{ErrConflict, CategoryConflict},
	{ErrCircuitBreakerOpen, CategoryCircuitOpen},
	{ErrRateLimitExceeded, CategoryRateLimited},
	{ErrInvalidTransition, CategoryConflict},
	{ErrLockNotAcquired, CategoryConflict},
	{ErrNoHandler, CategoryValidation},
	{ErrHandlerKindMismatch, CategoryValidation},
	{ErrRefNotFound, CategoryNotFound},
	{ErrBusClosed, CategoryUnavailable},
	{ErrExecutorClosed, CategoryUnavailable},
}

// CategoryOf walks the error chain and returns the first category found.
// Uncategorized errors default to INTERNAL.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Category
	}
	for _, s := range sentinelCategories {
		if errors.Is(err, s.err) {
			return s.cat
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryInternal
}

// retryableCategories is the default retry policy table. TIMEOUT is
// deliberately not retryable: a handler that exhausted its deadline is
// a hard failure unless the caller overrides the policy.
var retryableCategories = map[Category]bool{
	CategoryTransient:   true,
	CategoryUnavailable: true,
	CategoryRateLimited: true,
	CategorySource:      true,
}

// IsRetryable checks if an error is retryable under the default policy.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return retryableCategories[CategoryOf(err)]
}

// IsRetryableCategory reports whether a category is retryable by default.
func IsRetryableCategory(category Category) bool {
	return retryableCategories[category]
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward the failure
// threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures only. Caller
// mistakes (validation, not found) and abandoned requests must not
// trip a breaker that guards a healthy dependency.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch core.CategoryOf(err) {
	case core.CategoryValidation, core.CategoryNotFound:
		return false
	}
	return true
}

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the run of consecutive counted failures
	// that trips CLOSED to OPEN.
	FailureThreshold int

	// RecoveryTimeout is how long OPEN rejects before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes while HALF_OPEN.
	HalfOpenMaxCalls int

	// SuccessThreshold is the probe successes needed to close.
	SuccessThreshold int

	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state changes and rejections.
	Logger core.Logger

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns production-ready defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// Validate checks the configuration for usable values.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return core.NewError(core.CategoryValidation, "failure threshold must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return core.NewError(core.CategoryValidation, "recovery timeout must be positive")
	}
	if c.HalfOpenMaxCalls <= 0 {
		return core.NewError(core.CategoryValidation, "half-open max calls must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return core.NewError(core.CategoryValidation, "success threshold must be positive")
	}
	if c.SuccessThreshold > c.HalfOpenMaxCalls {
		return core.NewError(core.CategoryValidation, "success threshold cannot exceed half-open max calls")
	}
	return nil
}

// Counts is a snapshot of breaker statistics.
type Counts struct {
	State              CircuitState `json:"state"`
	ConsecutiveFails   int          `json:"consecutive_failures"`
	HalfOpenInFlight   int          `json:"half_open_in_flight"`
	HalfOpenSuccesses  int          `json:"half_open_successes"`
	TotalExecutions    uint64       `json:"total_executions"`
	RejectedExecutions uint64       `json:"rejected_executions"`
}

// CircuitBreaker protects a named dependency. CLOSED counts
// consecutive failures; OPEN rejects until RecoveryTimeout elapses;
// HALF_OPEN admits a bounded number of probes, where any failure
// reopens and SuccessThreshold successes close.
type CircuitBreaker struct {
	config BreakerConfig

	mu                sync.Mutex
	state             CircuitState
	failures          int
	halfOpenInFlight  int
	halfOpenSuccesses int
	openedAt          time.Time

	totalExecutions    uint64
	rejectedExecutions uint64
}

// NewCircuitBreaker creates a breaker from the config.
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{config: config, state: StateClosed}, nil
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// State returns the current state, accounting for recovery expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbe()
	return cb.state
}

// Counts returns a statistics snapshot.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:              cb.state,
		ConsecutiveFails:   cb.failures,
		HalfOpenInFlight:   cb.halfOpenInFlight,
		HalfOpenSuccesses:  cb.halfOpenSuccesses,
		TotalExecutions:    cb.totalExecutions,
		RejectedExecutions: cb.rejectedExecutions,
	}
}

// Allow reports whether a call may proceed. A nil return reserves a
// probe slot when HALF_OPEN; callers must follow with RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeProbe()

	switch cb.state {
	case StateClosed:
		cb.totalExecutions++
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxCalls {
			cb.halfOpenInFlight++
			cb.totalExecutions++
			return nil
		}
	}

	cb.rejectedExecutions++
	return fmt.Errorf("circuit breaker %q is %s: %w", cb.config.Name, cb.state, core.ErrCircuitBreakerOpen)
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure reports a failed call. Errors the classifier rejects
// are treated as successes for breaker accounting.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.ErrorClassifier(err) {
		cb.RecordSuccess()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.transition(StateOpen)
	}
}

// Execute runs fn under the breaker. Panics become errors so a broken
// handler still feeds the failure accounting.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		cb.RecordFailure(ctx.Err())
		return ctx.Err()
	default:
	}

	err := cb.run(fn)
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (cb *CircuitBreaker) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in circuit breaker %q: %v\n%s", cb.config.Name, r, debug.Stack())
		}
	}()
	return fn()
}

// maybeProbe moves OPEN to HALF_OPEN once the recovery timeout has
// elapsed. Callers hold cb.mu.
func (cb *CircuitBreaker) maybeProbe() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.transition(StateHalfOpen)
	}
}

// transition changes state and notifies. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
	case StateClosed:
		cb.failures = 0
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})

	if cb.config.OnStateChange != nil {
		// Notify outside the lock to keep listeners from deadlocking
		// against breaker methods.
		go cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// BreakerGroup lazily creates one breaker per name, so every handler
// gets independent failure isolation.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	factory  func(name string) BreakerConfig
}

// NewBreakerGroup creates a group. A nil factory uses defaults.
func NewBreakerGroup(factory func(name string) BreakerConfig) *BreakerGroup {
	if factory == nil {
		factory = DefaultBreakerConfig
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		factory:  factory,
	}
}

// Get returns the breaker for a name, creating it on first use.
func (g *BreakerGroup) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}

	cb, err := NewCircuitBreaker(g.factory(name))
	if err != nil {
		// A broken factory falls back to defaults rather than
		// disabling protection.
		cb, _ = NewCircuitBreaker(DefaultBreakerConfig(name))
	}
	g.breakers[name] = cb
	return cb
}

// Names returns the names of all created breakers.
func (g *BreakerGroup) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	return names
}

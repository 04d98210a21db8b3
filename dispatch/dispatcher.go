// Package dispatch owns the run lifecycle. It creates ledger rows,
// hands work to an executor, mirrors executor progress into status
// transitions and events, publishes run topics on the bus, and routes
// failures through the retry ladder or into the dead-letter queue.
//
// The dispatcher never executes handlers itself. Synchronous submits
// block until the executor settles the run; asynchronous submits are
// followed by a background observer that applies the same transitions.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dlq"
	"github.com/ryansmccoy/spine-core-sub006/executor"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
	"github.com/ryansmccoy/spine-core-sub006/locks"
	"github.com/ryansmccoy/spine-core-sub006/resilience"
)

// WorkflowRunner executes a workflow-kind run to completion. The
// workflow engine implements this: it manages step state itself while
// the dispatcher keeps owning the root execution's transitions.
type WorkflowRunner interface {
	RunWorkflowExecution(ctx context.Context, exec *core.Execution) (map[string]interface{}, error)
}

// Config tunes the dispatcher.
type Config struct {
	// MaxRetries is the automatic retry budget stamped on each new
	// execution. Zero disables automatic retries.
	MaxRetries int

	// RetryPolicy shapes the backoff between retry attempts.
	RetryPolicy *resilience.RetryConfig

	// BreakerConfig builds the per-handler circuit breaker config.
	BreakerConfig func(name string) resilience.BreakerConfig

	// PollInterval is the cadence of the async run observer.
	PollInterval time.Duration

	// ShutdownTimeout bounds Close waiting for background work.
	ShutdownTimeout time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      core.DefaultMaxRetries,
		RetryPolicy:     resilience.DefaultRetryConfig(),
		BreakerConfig:   resilience.DefaultBreakerConfig,
		PollInterval:    250 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.RetryPolicy == nil {
		c.RetryPolicy = resilience.DefaultRetryConfig()
	}
	if c.BreakerConfig == nil {
		c.BreakerConfig = resilience.DefaultBreakerConfig
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &core.NoOpTelemetry{}
	}
	return c
}

// Dispatcher coordinates ledger, bus, executor, retry and dead-letter
// handling for every submitted run.
type Dispatcher struct {
	ledger   *ledger.Ledger
	bus      bus.Bus
	exec     executor.Executor
	dlq      *dlq.Queue
	locks    *locks.Manager
	breakers *resilience.BreakerGroup

	retry      *resilience.RetryConfig
	maxRetries int
	poll       time.Duration
	shutdown   time.Duration
	tele       core.Telemetry
	logger     core.Logger

	runner WorkflowRunner

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// New creates a dispatcher. A nil config uses DefaultConfig.
func New(l *ledger.Ledger, b bus.Bus, ex executor.Executor, q *dlq.Queue, lm *locks.Manager, config *Config) *Dispatcher {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config.withDefaults()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ledger:     l,
		bus:        b,
		exec:       ex,
		dlq:        q,
		locks:      lm,
		breakers:   resilience.NewBreakerGroup(cfg.BreakerConfig),
		retry:      cfg.RetryPolicy,
		maxRetries: cfg.MaxRetries,
		poll:       cfg.PollInterval,
		shutdown:   cfg.ShutdownTimeout,
		tele:       cfg.Telemetry,
		logger:     cfg.Logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// SetWorkflowRunner wires the workflow engine in. Called once during
// assembly, before the dispatcher takes traffic.
func (d *Dispatcher) SetWorkflowRunner(r WorkflowRunner) {
	d.runner = r
}

// Close stops accepting submissions, cancels background observers and
// pending retry timers, and waits for them up to ShutdownTimeout.
func (d *Dispatcher) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.baseCancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped", map[string]interface{}{
			"operation": "dispatcher_close",
		})
		return nil
	case <-time.After(d.shutdown):
		return core.Errorf(core.CategoryTimeout, "dispatcher shutdown timed out after %s", d.shutdown)
	}
}

// publish sends a run topic. Bus delivery is best effort; a failed
// publish is logged and never fails the run transition that caused it.
func (d *Dispatcher) publish(ctx context.Context, topic, runID string, data map[string]interface{}) {
	err := d.bus.Publish(ctx, bus.Event{
		Type:      topic,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		d.logger.Warn("Failed to publish run event", map[string]interface{}{
			"operation":    "publish_event",
			"topic":        topic,
			"execution_id": runID,
			"error":        err.Error(),
		})
	}
}

// transition applies a status update, mirrors it onto exec, and
// publishes the matching topic. ErrInvalidTransition is returned to the
// caller (observers tolerate it when another path settled first).
func (d *Dispatcher) transition(ctx context.Context, exec *core.Execution, status core.ExecutionStatus, upd *ledger.StatusUpdate, topic string, data map[string]interface{}) error {
	if err := d.ledger.UpdateStatus(ctx, exec.ID, status, upd); err != nil {
		d.logger.Warn("Status transition rejected", map[string]interface{}{
			"operation":    "transition",
			"execution_id": exec.ID,
			"from":         string(exec.Status),
			"to":           string(status),
			"error":        err.Error(),
		})
		return err
	}

	exec.Status = status
	if upd != nil {
		if upd.Result != nil {
			exec.Result = upd.Result
		}
		if upd.Error != "" {
			exec.Error = upd.Error
		}
	}
	if topic != "" {
		if data == nil {
			data = map[string]interface{}{}
		}
		if _, ok := data["workflow"]; !ok {
			data["workflow"] = exec.Workflow
		}
		d.publish(ctx, topic, exec.ID, data)
	}
	return nil
}

// mustGet reloads an execution for a background observer. A lookup
// failure ends the observer; the row is the source of truth and without
// it there is nothing safe to do.
func (d *Dispatcher) mustGet(ctx context.Context, id string) *core.Execution {
	exec, err := d.ledger.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("Failed to load execution", map[string]interface{}{
				"operation":    "observe_run",
				"execution_id": id,
				"error":        err.Error(),
			})
		}
		return nil
	}
	return exec
}

package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
	"github.com/ryansmccoy/spine-core-sub006/resilience"
)

// SubmitOptions carries the optional submission metadata.
type SubmitOptions struct {
	// IdempotencyKey deduplicates submissions: while a run holds the
	// key, later submits carrying it return that run. A holder that
	// ends FAILED or DLQ releases the key.
	IdempotencyKey string

	// ParentExecutionID links child runs (workflow steps, retries).
	ParentExecutionID string

	// CorrelationID groups related runs across a request or chain.
	CorrelationID string

	// Lane overrides the spec's queue lane.
	Lane string

	// TriggerSource records what initiated the run. Defaults to MANUAL.
	TriggerSource core.TriggerSource

	// Sync drives the run to completion before Submit returns.
	Sync bool
}

// Submit creates an execution for the spec and starts it. In sync mode
// the returned execution is terminal and the error reflects the run's
// outcome; in async mode the run continues in the background and its
// state is observable through Get and Events.
func (d *Dispatcher) Submit(ctx context.Context, spec core.WorkSpec, opts SubmitOptions) (*core.Execution, error) {
	if d.closed.Load() {
		return nil, core.NewError(core.CategoryUnavailable, "dispatcher is shut down")
	}
	if opts.Lane != "" {
		spec.Lane = opts.Lane
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := d.tele.StartSpan(ctx, "dispatch.submit")
	defer span.End()
	span.SetAttribute("workflow", spec.Name)
	span.SetAttribute("kind", string(spec.Kind))

	// An occupied idempotency key wins while its run is live or
	// completed. A holder that ended FAILED or DLQ has released the
	// key, so the submit falls through and creates a fresh execution.
	if opts.IdempotencyKey != "" {
		existing, err := d.ledger.GetByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			d.logger.Debug("Idempotency key replay", map[string]interface{}{
				"operation":    "submit",
				"execution_id": existing.ID,
				"key":          opts.IdempotencyKey,
			})
			return existing, nil
		}
	}

	source := opts.TriggerSource
	if source == "" {
		source = core.TriggerManual
	}
	exec := core.NewExecution(spec, source)
	exec.ParentExecutionID = opts.ParentExecutionID
	exec.CorrelationID = opts.CorrelationID
	exec.IdempotencyKey = opts.IdempotencyKey
	exec.MaxRetries = d.maxRetries

	if err := d.ledger.Create(ctx, exec); err != nil {
		// A concurrent submit with the same key inserted first.
		if errors.Is(err, core.ErrConflict) && opts.IdempotencyKey != "" {
			if existing, lookupErr := d.ledger.GetByIdempotencyKey(ctx, opts.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		span.RecordError(err)
		return nil, err
	}

	d.publish(ctx, bus.TopicRunSubmitted, exec.ID, map[string]interface{}{
		"workflow":       spec.Name,
		"kind":           string(spec.Kind),
		"lane":           exec.Lane,
		"trigger_source": string(source),
	})
	d.tele.RecordMetric("dispatch_submitted_total", 1, map[string]string{
		"workflow": spec.Name,
		"lane":     exec.Lane,
	})

	if spec.Kind == core.KindWorkflow && d.runner != nil {
		return d.startWorkflow(ctx, exec, opts.Sync)
	}
	return d.start(ctx, exec, spec, opts.Sync)
}

// start runs the handler path for a freshly created execution: breaker
// admission, executor submission, then inline settling or a background
// observer.
func (d *Dispatcher) start(ctx context.Context, exec *core.Execution, spec core.WorkSpec, sync bool) (*core.Execution, error) {
	breaker := d.breakers.Get(spec.HandlerKey())
	if err := breaker.Allow(); err != nil {
		// CIRCUIT_OPEN is not a retryable category, so the run parks
		// in the dead-letter queue and can be resubmitted once the
		// handler recovers.
		d.fail(ctx, exec, spec, err)
		return exec, err
	}

	if sync {
		if err := d.transition(ctx, exec, core.StatusRunning, nil, bus.TopicRunStarted, nil); err != nil {
			return exec, err
		}
		ref, err := d.exec.Submit(ctx, spec)
		if err != nil {
			breaker.RecordFailure(err)
			d.fail(ctx, exec, spec, err)
			return exec, err
		}
		exec.ExecutorRef = ref
		if err := d.ledger.SetExecutorRef(ctx, exec.ID, ref); err != nil {
			d.logger.Warn("Failed to store executor ref", map[string]interface{}{
				"operation":    "submit",
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}
		return d.settleSync(ctx, exec, spec, breaker, ref)
	}

	ref, err := d.exec.Submit(ctx, spec)
	if err != nil {
		breaker.RecordFailure(err)
		d.fail(ctx, exec, spec, err)
		return exec, err
	}
	exec.ExecutorRef = ref
	if err := d.ledger.SetExecutorRef(ctx, exec.ID, ref); err != nil {
		d.logger.Warn("Failed to store executor ref", map[string]interface{}{
			"operation":    "submit",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}

	// QUEUED is cosmetic when the executor finishes fast; the observer
	// tolerates the row having moved on.
	_ = d.transition(ctx, exec, core.StatusQueued, &ledger.StatusUpdate{
		EventData: map[string]interface{}{"executor_ref": ref},
	}, "", nil)

	d.wg.Add(1)
	go d.observe(exec.ID, ref, spec)
	return exec, nil
}

// settleSync blocks on the executor until the run is terminal, then
// applies the final transition.
func (d *Dispatcher) settleSync(ctx context.Context, exec *core.Execution, spec core.WorkSpec, breaker *resilience.CircuitBreaker, ref string) (*core.Execution, error) {
	state, err := d.exec.Wait(ctx, ref, 0)
	if err != nil {
		// The caller stopped waiting; the run may still finish. Hand
		// it to an observer so the ledger converges anyway.
		d.wg.Add(1)
		go d.observe(exec.ID, ref, spec)
		return exec, err
	}
	return d.finalize(ctx, exec, spec, breaker, ref, state)
}

// finalize maps a terminal executor state onto the ledger row. A run
// that settled before the observer ever saw it running still passes
// through RUNNING so the event stream shows it started.
func (d *Dispatcher) finalize(ctx context.Context, exec *core.Execution, spec core.WorkSpec, breaker *resilience.CircuitBreaker, ref string, state core.RunState) (*core.Execution, error) {
	if state != core.RunStateCancelled && (exec.Status == core.StatusPending || exec.Status == core.StatusQueued) {
		_ = d.transition(ctx, exec, core.StatusRunning, nil, bus.TopicRunStarted, nil)
	}

	// Duration from submission, so queue time counts.
	elapsed := time.Since(exec.CreatedAt).Seconds()

	switch state {
	case core.RunStateCompleted:
		result, err := d.exec.Result(ctx, ref)
		if err != nil {
			d.logger.Warn("Completed run has unreadable result", map[string]interface{}{
				"operation":    "finalize",
				"execution_id": exec.ID,
				"ref":          ref,
				"error":        err.Error(),
			})
			result = nil
		}
		breaker.RecordSuccess()
		_ = d.transition(ctx, exec, core.StatusCompleted, &ledger.StatusUpdate{Result: result}, bus.TopicRunCompleted, nil)
		d.tele.RecordMetric("dispatch_completed_total", 1, map[string]string{"workflow": exec.Workflow})
		d.tele.RecordMetric("dispatch_run_duration_seconds", elapsed, map[string]string{
			"workflow": exec.Workflow, "status": "completed",
		})
		return exec, nil

	case core.RunStateFailed:
		runErr, lookupErr := d.exec.Err(ctx, ref)
		if lookupErr != nil || runErr == nil {
			runErr = core.NewError(core.CategoryInternal, "run failed with no recorded error")
		}
		breaker.RecordFailure(runErr)
		d.fail(ctx, exec, spec, runErr)
		d.tele.RecordMetric("dispatch_run_duration_seconds", elapsed, map[string]string{
			"workflow": exec.Workflow, "status": "failed",
		})
		return exec, runErr

	case core.RunStateCancelled:
		// Usually the row is already CANCELLED through Cancel; this
		// covers executor-side cancellation such as shutdown.
		_ = d.transition(ctx, exec, core.StatusCancelled, nil, bus.TopicRunCancelled, nil)
		return exec, nil

	default:
		err := core.Errorf(core.CategoryInternal, "executor settled run in unexpected state %s", state)
		d.fail(ctx, exec, spec, err)
		return exec, err
	}
}

// observe follows an asynchronous run and applies its transitions. It
// runs until the executor reports a terminal state, the row settles
// through another path, or the dispatcher shuts down.
func (d *Dispatcher) observe(execID, ref string, spec core.WorkSpec) {
	defer d.wg.Done()
	ctx := d.baseCtx
	breaker := d.breakers.Get(spec.HandlerKey())

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	started := false

	for {
		state := d.exec.Status(ctx, ref)
		switch {
		case state == core.RunStateRunning && !started:
			exec := d.mustGet(ctx, execID)
			if exec == nil {
				return
			}
			if exec.Status == core.StatusPending || exec.Status == core.StatusQueued {
				_ = d.transition(ctx, exec, core.StatusRunning, nil, bus.TopicRunStarted, nil)
			}
			started = true

		case state.IsTerminal():
			exec := d.mustGet(ctx, execID)
			if exec == nil {
				return
			}
			if exec.Status.IsTerminal() || exec.Status == core.StatusFailed {
				return
			}
			_, _ = d.finalize(ctx, exec, spec, breaker, ref, state)
			return

		case state == core.RunStateNotFound:
			exec := d.mustGet(ctx, execID)
			if exec == nil {
				return
			}
			if exec.Status.IsTerminal() || exec.Status == core.StatusFailed {
				return
			}
			d.fail(ctx, exec, spec, core.NewError(core.CategoryInternal, "executor no longer tracks this run"))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fail moves the run to FAILED and routes it onward: a retryable error
// with budget left schedules a linked retry run, everything else parks
// in the dead-letter queue.
func (d *Dispatcher) fail(ctx context.Context, exec *core.Execution, spec core.WorkSpec, runErr error) {
	category := core.CategoryOf(runErr)
	_ = d.transition(ctx, exec, core.StatusFailed, &ledger.StatusUpdate{
		Error:     runErr.Error(),
		EventData: map[string]interface{}{"category": string(category)},
	}, bus.TopicRunFailed, map[string]interface{}{
		"workflow": exec.Workflow,
		"error":    runErr.Error(),
		"category": string(category),
	})
	d.tele.RecordMetric("dispatch_failed_total", 1, map[string]string{
		"workflow": exec.Workflow,
		"category": string(category),
	})

	if core.IsRetryable(runErr) && exec.RetryCount < exec.MaxRetries {
		d.scheduleRetry(ctx, exec, spec, runErr)
		return
	}
	d.deadLetter(ctx, exec, spec, runErr)
}

// scheduleRetry marks the failed row RETRIED and submits a linked clone
// after the backoff delay. The clone inherits the attempt count so the
// chain shares one retry budget.
func (d *Dispatcher) scheduleRetry(ctx context.Context, exec *core.Execution, spec core.WorkSpec, runErr error) {
	attempt, err := d.ledger.IncrementRetry(ctx, exec.ID)
	if err != nil {
		d.logger.Error("Failed to increment retry count", map[string]interface{}{
			"operation":    "schedule_retry",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		d.deadLetter(ctx, exec, spec, runErr)
		return
	}
	exec.RetryCount = attempt

	delay := resilience.BackoffDelay(d.retry, attempt)
	if d.retry.JitterEnabled && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)))
	}

	_ = d.transition(ctx, exec, core.StatusRetried, &ledger.StatusUpdate{
		EventData: map[string]interface{}{
			"retry_count":   attempt,
			"error":         runErr.Error(),
			"next_delay_ms": delay.Milliseconds(),
		},
	}, bus.TopicRunRetried, map[string]interface{}{
		"retry_count":   attempt,
		"next_delay_ms": delay.Milliseconds(),
	})
	d.tele.RecordMetric("dispatch_retried_total", 1, map[string]string{"workflow": exec.Workflow})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-d.baseCtx.Done():
			return
		case <-timer.C:
		}
		d.resubmit(exec, spec, attempt)
	}()
}

// resubmit creates the retry clone and starts it asynchronously. Runs
// on the dispatcher's own context because the original caller is gone.
func (d *Dispatcher) resubmit(parent *core.Execution, spec core.WorkSpec, attempt int) {
	ctx := d.baseCtx

	clone := core.NewExecution(spec, core.TriggerRetry)
	clone.ParentExecutionID = parent.ID
	clone.CorrelationID = parent.CorrelationID
	if clone.CorrelationID == "" {
		clone.CorrelationID = parent.ID
	}
	clone.RetryCount = attempt
	clone.MaxRetries = parent.MaxRetries

	if err := d.ledger.Create(ctx, clone); err != nil {
		if ctx.Err() == nil {
			d.logger.Error("Failed to create retry execution", map[string]interface{}{
				"operation":   "retry_resubmit",
				"parent_id":   parent.ID,
				"workflow":    spec.Name,
				"error":       err.Error(),
				"retry_count": attempt,
			})
		}
		return
	}

	d.publish(ctx, bus.TopicRunSubmitted, clone.ID, map[string]interface{}{
		"workflow":       spec.Name,
		"kind":           string(spec.Kind),
		"lane":           clone.Lane,
		"trigger_source": string(core.TriggerRetry),
		"retry_of":       parent.ID,
		"retry_count":    attempt,
	})

	var startErr error
	if spec.Kind == core.KindWorkflow && d.runner != nil {
		_, startErr = d.startWorkflow(ctx, clone, false)
	} else {
		_, startErr = d.start(ctx, clone, spec, false)
	}
	if startErr != nil && ctx.Err() == nil {
		d.logger.Warn("Retry attempt failed at submission", map[string]interface{}{
			"operation":    "retry_resubmit",
			"execution_id": clone.ID,
			"parent_id":    parent.ID,
			"error":        startErr.Error(),
		})
	}
}

// deadLetter parks a finally-failed run for manual review.
func (d *Dispatcher) deadLetter(ctx context.Context, exec *core.Execution, spec core.WorkSpec, runErr error) {
	entry, err := d.dlq.Add(ctx, exec.ID, spec.Name, spec.Params, runErr.Error(), exec.RetryCount, exec.MaxRetries)
	if err != nil {
		d.logger.Error("Failed to add dead letter", map[string]interface{}{
			"operation":    "dead_letter",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return
	}

	_ = d.transition(ctx, exec, core.StatusDLQ, &ledger.StatusUpdate{
		EventData: map[string]interface{}{"dlq_id": entry.ID},
	}, bus.TopicRunDeadLettered, map[string]interface{}{
		"workflow": exec.Workflow,
		"dlq_id":   entry.ID,
		"error":    runErr.Error(),
	})
	d.tele.RecordMetric("dispatch_dead_lettered_total", 1, map[string]string{"workflow": exec.Workflow})
}

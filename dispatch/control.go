package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
)

// Get returns one execution by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*core.Execution, error) {
	return d.ledger.Get(ctx, id)
}

// List returns executions matching the filter, newest first.
func (d *Dispatcher) List(ctx context.Context, f ledger.Filter) ([]*core.Execution, error) {
	return d.ledger.List(ctx, f)
}

// Count returns how many executions match the filter.
func (d *Dispatcher) Count(ctx context.Context, f ledger.Filter) (int, error) {
	return d.ledger.Count(ctx, f)
}

// Events returns a run's event stream after sinceSeq. Unknown runs are
// a not-found error rather than an empty stream.
func (d *Dispatcher) Events(ctx context.Context, id string, sinceSeq int) ([]*core.ExecutionEvent, error) {
	if _, err := d.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return d.ledger.ListEvents(ctx, id, sinceSeq)
}

// Cancel stops a run that has not finished. Terminal runs (and FAILED
// runs, which have nothing left to stop) are a no-op. The cancellation
// propagates to the run's non-terminal children: workflow steps and
// pending retry clones.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) (*core.Execution, error) {
	exec, err := d.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() || exec.Status == core.StatusFailed {
		return exec, nil
	}

	ctx, span := d.tele.StartSpan(ctx, "dispatch.cancel")
	defer span.End()
	span.SetAttribute("execution_id", id)

	err = d.transition(ctx, exec, core.StatusCancelled, &ledger.StatusUpdate{
		EventData: map[string]interface{}{"reason": reason},
	}, bus.TopicRunCancelled, map[string]interface{}{"reason": reason})
	if err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// The run settled between the read and the update.
			return d.ledger.Get(ctx, id)
		}
		return nil, err
	}

	if exec.ExecutorRef != "" {
		if cancelErr := d.exec.Cancel(ctx, exec.ExecutorRef); cancelErr != nil && !errors.Is(cancelErr, core.ErrRefNotFound) {
			d.logger.Warn("Executor cancel failed", map[string]interface{}{
				"operation":    "cancel",
				"execution_id": id,
				"ref":          exec.ExecutorRef,
				"error":        cancelErr.Error(),
			})
		}
	}

	children, listErr := d.ledger.List(ctx, ledger.Filter{ParentID: id})
	if listErr != nil {
		d.logger.Warn("Failed to list children for cancellation", map[string]interface{}{
			"operation":    "cancel",
			"execution_id": id,
			"error":        listErr.Error(),
		})
		return exec, nil
	}
	for _, child := range children {
		if child.Status.IsTerminal() || child.Status == core.StatusFailed {
			continue
		}
		if _, childErr := d.Cancel(ctx, child.ID, "parent cancelled"); childErr != nil {
			d.logger.Warn("Failed to cancel child run", map[string]interface{}{
				"operation":    "cancel",
				"execution_id": id,
				"child_id":     child.ID,
				"error":        childErr.Error(),
			})
		}
	}
	return exec, nil
}

// SubmitWorkflow creates the root execution for a named workflow and
// hands it to the workflow engine.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]interface{}, opts SubmitOptions) (*core.Execution, error) {
	if d.runner == nil {
		return nil, core.NewError(core.CategoryUnavailable, "no workflow engine configured")
	}
	spec := core.WorkSpec{
		Kind:   core.KindWorkflow,
		Name:   name,
		Params: params,
	}
	return d.Submit(ctx, spec, opts)
}

// RunChild submits a child run for a workflow step and drives it to a
// terminal state. The child joins the parent's correlation chain and
// keeps its trigger source; this satisfies the workflow engine's
// Runnable port.
func (d *Dispatcher) RunChild(ctx context.Context, spec core.WorkSpec, parent *core.Execution) (*core.Execution, error) {
	correlation := parent.CorrelationID
	if correlation == "" {
		correlation = parent.ID
	}
	return d.Submit(ctx, spec, SubmitOptions{
		ParentExecutionID: parent.ID,
		CorrelationID:     correlation,
		TriggerSource:     parent.TriggerSource,
		Sync:              true,
	})
}

// startWorkflow drives a workflow-kind execution through the engine.
// The engine owns step state; the dispatcher owns the root row.
func (d *Dispatcher) startWorkflow(ctx context.Context, exec *core.Execution, sync bool) (*core.Execution, error) {
	if sync {
		if err := d.transition(ctx, exec, core.StatusRunning, nil, bus.TopicRunStarted, nil); err != nil {
			return exec, err
		}
		return d.settleWorkflow(ctx, exec)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runCtx := d.baseCtx
		if err := d.transition(runCtx, exec, core.StatusRunning, nil, bus.TopicRunStarted, nil); err != nil {
			return
		}
		_, _ = d.settleWorkflow(runCtx, exec)
	}()
	return exec, nil
}

func (d *Dispatcher) settleWorkflow(ctx context.Context, exec *core.Execution) (*core.Execution, error) {
	result, err := d.runner.RunWorkflowExecution(ctx, exec)
	if err != nil {
		if ctx.Err() != nil {
			// Engine interrupted by shutdown or cancellation; Cancel
			// or the restart path settles the row.
			return exec, err
		}
		if fresh, getErr := d.ledger.Get(ctx, exec.ID); getErr == nil &&
			(fresh.Status.IsTerminal() || fresh.Status == core.StatusFailed) {
			// Cancel settled the row while the engine was unwinding.
			return fresh, err
		}
		d.fail(ctx, exec, d.workflowSpec(exec), err)
		return exec, err
	}
	_ = d.transition(ctx, exec, core.StatusCompleted, &ledger.StatusUpdate{Result: result}, bus.TopicRunCompleted, nil)
	d.tele.RecordMetric("dispatch_completed_total", 1, map[string]string{"workflow": exec.Workflow})
	return exec, nil
}

// workflowSpec rebuilds the submission spec from the root row so the
// retry path can clone workflow runs too.
func (d *Dispatcher) workflowSpec(exec *core.Execution) core.WorkSpec {
	return core.WorkSpec{
		Kind:   core.KindWorkflow,
		Name:   exec.Workflow,
		Params: exec.Params,
		Lane:   exec.Lane,
	}
}

// RetryFromDLQ resubmits a dead-lettered run as a fresh execution with
// its own retry budget, linked to the original through
// parent_execution_id. An advisory lock keeps two operators from
// double-resubmitting the same entry.
func (d *Dispatcher) RetryFromDLQ(ctx context.Context, dlqID string) (*core.Execution, error) {
	if d.closed.Load() {
		return nil, core.NewError(core.CategoryUnavailable, "dispatcher is shut down")
	}

	lockKey := "dlq:retry:" + dlqID
	owner := core.NewRequestID()
	acquired, err := d.locks.Acquire(ctx, lockKey, owner, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, core.Errorf(core.CategoryConflict, "dead letter %s retry already in progress", dlqID)
	}
	defer func() {
		if releaseErr := d.locks.ReleaseOwned(ctx, lockKey, owner); releaseErr != nil {
			d.logger.Warn("Failed to release retry lock", map[string]interface{}{
				"operation": "dlq_retry",
				"dlq_id":    dlqID,
				"error":     releaseErr.Error(),
			})
		}
	}()

	entry, err := d.dlq.Get(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if !entry.CanRetry() {
		return nil, core.Errorf(core.CategoryConflict, "dead letter %s is resolved or out of retries", dlqID)
	}

	spec := core.WorkSpec{
		Kind:   core.KindTask,
		Name:   entry.Workflow,
		Params: entry.Params,
	}
	correlation := ""
	if origin, originErr := d.ledger.Get(ctx, entry.ExecutionID); originErr == nil {
		spec.Kind = origin.Kind
		spec.Lane = origin.Lane
		correlation = origin.CorrelationID
		if correlation == "" {
			correlation = origin.ID
		}
	}

	if err := d.dlq.MarkRetryAttempted(ctx, dlqID); err != nil {
		d.logger.Warn("Failed to mark dead letter retry", map[string]interface{}{
			"operation": "dlq_retry",
			"dlq_id":    dlqID,
			"error":     err.Error(),
		})
	}

	d.logger.Info("Resubmitting dead-lettered run", map[string]interface{}{
		"operation":    "dlq_retry",
		"dlq_id":       dlqID,
		"execution_id": entry.ExecutionID,
		"workflow":     entry.Workflow,
	})
	return d.Submit(ctx, spec, SubmitOptions{
		ParentExecutionID: entry.ExecutionID,
		CorrelationID:     correlation,
		TriggerSource:     core.TriggerRetry,
	})
}

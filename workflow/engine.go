package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
)

// ErrRunCancelled is returned by the engine when a run is cancelled
// out from under it. The root row is already terminal at that point.
var ErrRunCancelled = errors.New("workflow run cancelled")

// DefinitionSource resolves a workflow name to its latest definition.
// The registry satisfies this; DefinitionMap serves embedded setups.
type DefinitionSource interface {
	Get(ctx context.Context, name string) (*Workflow, error)
}

// DefinitionMap serves definitions from memory.
type DefinitionMap map[string]*Workflow

func (m DefinitionMap) Get(ctx context.Context, name string) (*Workflow, error) {
	if w, ok := m[name]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("workflow %s: %w", name, core.ErrNotFound)
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	// MaxParallel bounds the frontier width in PARALLEL mode and the
	// per-item concurrency of MAP steps.
	MaxParallel int
	// WaitPoll is how often a WAIT step re-reads the root row to
	// notice out-of-band cancellation.
	WaitPoll time.Duration
	// PartitionKeyParam names the run parameter whose value keys
	// step-level resume.
	PartitionKeyParam string

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultEngineConfig returns the standard tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallel:       4,
		WaitPoll:          500 * time.Millisecond,
		PartitionKeyParam: "partition_key",
	}
}

// Engine runs workflow definitions: it derives the dependency graph,
// executes steps per the workflow policy, records every step in
// core_workflow_steps, and folds outputs into the run context. The
// dispatcher owns the root execution row; the engine only reads it.
type Engine struct {
	defs     DefinitionSource
	handlers *HandlerRegistry
	steps    *StepStore
	bus      bus.Bus
	runs     RunReader
	runner   Runnable

	maxParallel    int
	waitPoll       time.Duration
	partitionParam string
	logger         core.Logger
	tele           core.Telemetry
}

// NewEngine creates an engine. bus and runs may be nil; without them
// the engine cannot observe out-of-band cancellation and relies on
// context cancellation alone.
func NewEngine(defs DefinitionSource, handlers *HandlerRegistry, steps *StepStore, b bus.Bus, runs RunReader, config *EngineConfig) *Engine {
	cfg := DefaultEngineConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = 500 * time.Millisecond
	}
	if cfg.PartitionKeyParam == "" {
		cfg.PartitionKeyParam = "partition_key"
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	return &Engine{
		defs:           defs,
		handlers:       handlers,
		steps:          steps,
		bus:            b,
		runs:           runs,
		maxParallel:    cfg.MaxParallel,
		waitPoll:       cfg.WaitPoll,
		partitionParam: cfg.PartitionKeyParam,
		logger:         cfg.Logger,
		tele:           cfg.Telemetry,
	}
}

// SetRunner wires the child run submitter for PIPELINE steps. The
// dispatcher calls this after construction; without it PIPELINE steps
// fail UNAVAILABLE.
func (e *Engine) SetRunner(r Runnable) {
	e.runner = r
}

// RunWorkflowExecution resolves the definition for a workflow-kind
// execution and runs it. The returned map becomes the root row's
// result; a returned error routes the root through the failure ladder.
func (e *Engine) RunWorkflowExecution(ctx context.Context, exec *core.Execution) (map[string]interface{}, error) {
	wf, err := e.defs.Get(ctx, exec.Workflow)
	if err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return e.run(ctx, exec, wf)
}

// stepOutcome is what a worker reports back to the scheduling loop.
type stepOutcome struct {
	name        string
	result      StepResult
	cancelled   bool
	skipTargets []string
	duration    time.Duration
}

func (e *Engine) run(ctx context.Context, exec *core.Execution, wf *Workflow) (map[string]interface{}, error) {
	ctx, span := e.tele.StartSpan(ctx, "workflow.run")
	defer span.End()
	span.SetAttribute("workflow", wf.Name)
	span.SetAttribute("run_id", exec.ID)
	span.SetAttribute("mode", string(wf.Policy.Mode))

	runCtx := ctx
	if wf.Policy.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.Policy.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	runCtx, stopRun := context.WithCancel(runCtx)
	defer stopRun()

	// Cancellation arrives three ways: the run.cancelled event, the
	// WAIT poll noticing a terminal row, and context death. The first
	// two funnel through cancelRun.
	var cancelled atomic.Bool
	var cancelOnce sync.Once
	cancelRun := func() {
		cancelOnce.Do(func() {
			cancelled.Store(true)
			e.logger.Info("Workflow run cancellation observed", map[string]interface{}{
				"run_id":   exec.ID,
				"workflow": wf.Name,
			})
			stopRun()
		})
	}

	if e.bus != nil {
		subID, err := e.bus.Subscribe(bus.TopicRunCancelled, func(_ context.Context, ev bus.Event) error {
			if ev.RunID == exec.ID {
				cancelRun()
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("Failed to subscribe to cancellation events", map[string]interface{}{
				"run_id": exec.ID,
				"error":  err.Error(),
			})
		} else {
			defer func() { _ = e.bus.Unsubscribe(subID) }()
		}
	}
	// Subscribe first, then check the row: a cancel landing before the
	// check is caught here, one landing after is caught by the event.
	if e.runs != nil {
		if row, err := e.runs.Get(ctx, exec.ID); err == nil && row.Status == core.StatusCancelled {
			cancelRun()
		}
	}

	wctx := NewContext(wf.Defaults, exec.Params, exec.ID, exec.CorrelationID)
	partitionKey := e.partitionKey(wctx)
	g := newDAG(wf.Steps)
	orderOf := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		orderOf[s.Name] = i
	}

	// Steps already completed for this partition key are not re-run;
	// their recorded outputs seed the context.
	resumed := 0
	if partitionKey != "" {
		prior, err := e.steps.CompletedOutputs(ctx, wf.Name, partitionKey)
		if err != nil {
			e.logger.Warn("Failed to load completed steps for resume", map[string]interface{}{
				"workflow":      wf.Name,
				"partition_key": partitionKey,
				"error":         err.Error(),
			})
		}
		for name, output := range prior {
			if _, ok := g.nodes[name]; !ok {
				continue
			}
			g.markCompleted(name)
			wctx = wctx.WithOutput(name, output)
			resumed++
		}
	}

	e.logger.Info("Workflow run started", map[string]interface{}{
		"run_id":        exec.ID,
		"workflow":      wf.Name,
		"version":       wf.Version,
		"steps":         len(wf.Steps),
		"mode":          string(wf.Policy.Mode),
		"partition_key": partitionKey,
		"resumed":       resumed,
	})

	width := 1
	if wf.Policy.Mode == ModeParallel {
		width = e.maxParallel
	}
	results := make(chan stepOutcome, width)
	inFlight := 0
	stopping := false
	firstFailed := ""
	var firstErr error

	for {
		if !stopping && !cancelled.Load() && runCtx.Err() == nil {
			for _, name := range g.ready() {
				if inFlight >= width {
					break
				}
				step := *wf.Step(name)
				g.markRunning(name)
				inFlight++
				snapshot := wctx
				go func(step Step, order int, snapshot Context) {
					results <- e.runStep(ctx, runCtx, exec, wf, step, order, partitionKey, snapshot, cancelRun)
				}(step, orderOf[name], snapshot)
			}
		}
		if inFlight == 0 {
			break
		}

		out := <-results
		inFlight--
		switch {
		case out.cancelled:
			g.markCancelled(out.name)
		case out.result.Success:
			g.markCompleted(out.name)
			wctx = wctx.WithOutput(out.name, out.result.Output)
			if len(out.result.ContextUpdates) > 0 {
				wctx = wctx.WithParams(out.result.ContextUpdates)
			}
			for _, target := range out.skipTargets {
				for _, name := range g.markSkipped(target) {
					reason := "upstream step skipped"
					if name == target {
						reason = "branch not taken"
					}
					e.markRow(ctx, exec, wf, partitionKey, orderOf, name, StepStatusSkipped, reason)
				}
			}
		default:
			for _, name := range g.markFailed(out.name) {
				e.markRow(ctx, exec, wf, partitionKey, orderOf, name, StepStatusSkipped, "upstream step failed")
			}
			if firstErr == nil {
				cat := out.result.ErrorCategory
				if cat == "" {
					cat = core.CategoryInternal
				}
				firstErr = core.Errorf(cat, "step %q failed: %s", out.name, out.result.Error)
				firstFailed = out.name
			}
			if wf.Policy.OnFailure == FailureStop {
				stopping = true
			}
		}
	}

	if perr := ctx.Err(); perr != nil && !cancelled.Load() {
		// Shutdown or caller cancellation: abandon without settling
		// step rows, the restart path reconciles them.
		e.logger.Warn("Workflow run interrupted", map[string]interface{}{
			"run_id":   exec.ID,
			"workflow": wf.Name,
			"error":    perr.Error(),
		})
		return nil, perr
	}

	if cancelled.Load() {
		for _, name := range g.pending() {
			g.force(name, nodeSkipped)
			e.markRow(ctx, exec, wf, partitionKey, orderOf, name, StepStatusSkipped, "run cancelled")
		}
		e.finishRun(exec, wf, g, "CANCELLED", resumed)
		return nil, fmt.Errorf("workflow run %s: %w", exec.ID, ErrRunCancelled)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		for _, name := range g.pending() {
			g.force(name, nodeCancelled)
			e.markRow(ctx, exec, wf, partitionKey, orderOf, name, StepStatusCancelled, "workflow timeout exceeded")
		}
		e.finishRun(exec, wf, g, "TIMEOUT", resumed)
		return nil, core.Errorf(core.CategoryTimeout,
			"workflow %s exceeded its %d second timeout", wf.Name, wf.Policy.TimeoutSeconds)
	}
	if stopping {
		reason := fmt.Sprintf("stopped after step %q failed", firstFailed)
		for _, name := range g.pending() {
			g.force(name, nodeCancelled)
			e.markRow(ctx, exec, wf, partitionKey, orderOf, name, StepStatusCancelled, reason)
		}
		e.finishRun(exec, wf, g, "FAILED", resumed)
		span.RecordError(firstErr)
		return nil, firstErr
	}

	failed := g.count(nodeFailed)
	completed := g.count(nodeCompleted)
	if failed > 0 && completed == 0 {
		e.finishRun(exec, wf, g, "FAILED", resumed)
		span.RecordError(firstErr)
		return nil, firstErr
	}
	status := "COMPLETED"
	if failed > 0 {
		status = "PARTIAL"
	}
	e.finishRun(exec, wf, g, status, resumed)

	result := map[string]interface{}{
		"workflow_status": status,
		"steps_total":     len(wf.Steps),
		"steps_completed": completed,
		"steps_failed":    failed,
		"steps_skipped":   g.count(nodeSkipped),
		"steps_cancelled": g.count(nodeCancelled),
		"outputs":         wctx.Outputs,
	}
	if resumed > 0 {
		result["steps_resumed"] = resumed
	}
	return result, nil
}

func (e *Engine) finishRun(exec *core.Execution, wf *Workflow, g *dag, status string, resumed int) {
	e.tele.RecordMetric("workflow_runs_total", 1, map[string]string{
		"workflow": wf.Name,
		"status":   status,
	})
	e.logger.Info("Workflow run finished", map[string]interface{}{
		"run_id":          exec.ID,
		"workflow":        wf.Name,
		"status":          status,
		"steps_completed": g.count(nodeCompleted),
		"steps_failed":    g.count(nodeFailed),
		"steps_skipped":   g.count(nodeSkipped),
		"steps_cancelled": g.count(nodeCancelled),
		"steps_resumed":   resumed,
	})
}

func (e *Engine) partitionKey(wctx Context) string {
	v, ok := wctx.Param(e.partitionParam)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// markRow records a terminal row for a step that never started.
func (e *Engine) markRow(ctx context.Context, exec *core.Execution, wf *Workflow, partitionKey string, orderOf map[string]int, name string, status StepStatus, reason string) {
	step := wf.Step(name)
	if step == nil {
		return
	}
	if err := e.steps.Mark(ctx, exec.ID, wf.Name, partitionKey, *step, orderOf[name], status, reason); err != nil {
		e.logger.Warn("Failed to record step state", map[string]interface{}{
			"run_id": exec.ID,
			"step":   name,
			"status": string(status),
			"error":  err.Error(),
		})
	}
}

// runStep executes one step on a worker goroutine: RUNNING row first,
// then the typed execution, then the terminal update. Row writes use
// the outer context so they survive run cancellation.
func (e *Engine) runStep(ctx, runCtx context.Context, exec *core.Execution, wf *Workflow, step Step, order int, partitionKey string, wctx Context, cancelRun func()) stepOutcome {
	out := stepOutcome{name: step.Name}

	stepID, err := e.steps.Begin(ctx, exec.ID, wf.Name, partitionKey, step, order)
	if err != nil {
		e.logger.Error("Failed to record step start", map[string]interface{}{
			"run_id": exec.ID,
			"step":   step.Name,
			"error":  err.Error(),
		})
		out.result = Fail(err, "")
		return out
	}
	e.publishStep(ctx, bus.TopicStepStarted, exec, wf, step, nil)

	start := time.Now()
	res, stepCancelled, skips := e.invoke(runCtx, exec, wf.Policy, step, wctx, cancelRun)
	out.duration = time.Since(start)
	out.skipTargets = skips

	// A step failing while the run context is dead is recorded as
	// cancelled rather than failed.
	if !res.Success && !res.Skipped && runCtx.Err() != nil {
		stepCancelled = true
	}
	out.cancelled = stepCancelled
	out.result = res

	status := StepStatusCompleted
	errText := ""
	switch {
	case stepCancelled:
		status = StepStatusCancelled
		errText = "run cancelled"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			errText = "workflow timeout exceeded"
		}
	case res.Skipped:
		status = StepStatusSkipped
	case !res.Success:
		status = StepStatusFailed
		errText = res.Error
	}

	fin := StepFinish{
		Status:   status,
		Output:   res.Output,
		Error:    errText,
		Metrics:  stepMetrics(res),
		Duration: out.duration,
	}
	if err := e.steps.Finish(ctx, stepID, fin); err != nil {
		e.logger.Error("Failed to record step finish", map[string]interface{}{
			"run_id": exec.ID,
			"step":   step.Name,
			"error":  err.Error(),
		})
	}
	e.tele.RecordMetric("workflow_steps_total", 1, map[string]string{
		"workflow": wf.Name,
		"status":   string(status),
	})
	e.tele.RecordMetric("workflow_step_duration_seconds", out.duration.Seconds(), map[string]string{
		"workflow": wf.Name,
		"step":     step.Name,
	})

	switch status {
	case StepStatusFailed:
		e.logger.Warn("Workflow step failed", map[string]interface{}{
			"run_id":   exec.ID,
			"workflow": wf.Name,
			"step":     step.Name,
			"category": string(res.ErrorCategory),
			"error":    res.Error,
		})
		e.publishStep(ctx, bus.TopicStepFailed, exec, wf, step, map[string]interface{}{
			"error":       res.Error,
			"category":    string(res.ErrorCategory),
			"duration_ms": out.duration.Milliseconds(),
		})
	case StepStatusCompleted, StepStatusSkipped:
		e.publishStep(ctx, bus.TopicStepCompleted, exec, wf, step, map[string]interface{}{
			"status":      string(status),
			"duration_ms": out.duration.Milliseconds(),
		})
	}
	return out
}

// invoke dispatches on the step type. A panicking handler is contained
// and reported as an INTERNAL step failure.
func (e *Engine) invoke(runCtx context.Context, exec *core.Execution, policy Policy, step Step, wctx Context, cancelRun func()) (res StepResult, cancelled bool, skips []string) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(core.Errorf(core.CategoryInternal, "step %q panicked: %v", step.Name, r), core.CategoryInternal)
			cancelled = false
			skips = nil
		}
	}()

	switch step.Type {
	case StepLambda:
		h, err := e.handlers.handler(step.HandlerRef)
		if err != nil {
			return Fail(err, ""), false, nil
		}
		return h(runCtx, wctx, step.Config), false, nil

	case StepChoice:
		return e.invokeChoice(runCtx, step, wctx)

	case StepWait:
		return e.invokeWait(runCtx, exec, step, cancelRun)

	case StepMap:
		return e.invokeMap(runCtx, policy, step, wctx)

	case StepPipeline:
		return e.invokePipeline(runCtx, exec, step, wctx), false, nil
	}
	return Fail(core.Errorf(core.CategoryValidation, "unknown step type %q", step.Type), core.CategoryValidation), false, nil
}

func (e *Engine) invokeChoice(runCtx context.Context, step Step, wctx Context) (StepResult, bool, []string) {
	cond, err := e.handlers.condition(step.ConditionRef)
	if err != nil {
		return Fail(err, ""), false, nil
	}
	take, err := cond(runCtx, wctx)
	if err != nil {
		return Fail(err, ""), false, nil
	}
	taken, untaken := step.ThenStep, step.ElseStep
	if !take {
		taken, untaken = step.ElseStep, step.ThenStep
	}
	res := OK(map[string]interface{}{
		"condition": take,
		"branch":    taken,
	})
	res.NextStep = taken
	var skips []string
	if untaken != "" {
		skips = []string{untaken}
	}
	return res, false, skips
}

// invokeWait suspends until the duration elapses. The poll re-reads
// the root row so a cancel lands within WaitPoll even when no event
// reaches this process.
func (e *Engine) invokeWait(runCtx context.Context, exec *core.Execution, step Step, cancelRun func()) (StepResult, bool, []string) {
	timer := time.NewTimer(time.Duration(step.DurationSeconds) * time.Second)
	defer timer.Stop()
	poll := time.NewTicker(e.waitPoll)
	defer poll.Stop()

	for {
		select {
		case <-timer.C:
			return OK(map[string]interface{}{"waited_seconds": step.DurationSeconds}), false, nil
		case <-runCtx.Done():
			return StepResult{}, true, nil
		case <-poll.C:
			if e.runs == nil {
				continue
			}
			if row, err := e.runs.Get(runCtx, exec.ID); err == nil && row.Status == core.StatusCancelled {
				cancelRun()
			}
		}
	}
}

func (e *Engine) invokeMap(runCtx context.Context, policy Policy, step Step, wctx Context) (StepResult, bool, []string) {
	itemsFn, err := e.handlers.itemsFunc(step.ItemsRef)
	if err != nil {
		return Fail(err, ""), false, nil
	}
	body, err := e.handlers.bodyFunc(step.BodyRef)
	if err != nil {
		return Fail(err, ""), false, nil
	}
	items, err := itemsFn(runCtx, wctx)
	if err != nil {
		return Fail(err, ""), false, nil
	}
	if len(items) == 0 {
		res := OK([]interface{}{})
		res.Quality = map[string]interface{}{"items_total": 0, "items_failed": 0}
		return res, false, nil
	}

	// Per-item semantics inherit the workflow policy; the step config
	// can override both knobs.
	onFailure := policy.OnFailure
	if v, ok := step.Config["on_failure"]; ok {
		if s, ok := v.(string); ok && (OnFailure(s) == FailureContinue || OnFailure(s) == FailureStop) {
			onFailure = OnFailure(s)
		}
	}
	parallel := policy.Mode == ModeParallel
	if v, ok := step.Config["parallel"]; ok {
		if b, ok := v.(bool); ok {
			parallel = b
		}
	}

	entries := make([]map[string]interface{}, len(items))
	if parallel {
		grp, grpCtx := errgroup.WithContext(runCtx)
		grp.SetLimit(e.maxParallel)
		for i, item := range items {
			i, item := i, item
			grp.Go(func() error {
				if grpCtx.Err() != nil {
					return grpCtx.Err()
				}
				r := body(grpCtx, wctx, item)
				entries[i] = itemEntry(i, r)
				if !r.Success && onFailure == FailureStop {
					return core.Errorf(categoryOr(r.ErrorCategory), "item %d failed: %s", i, r.Error)
				}
				return nil
			})
		}
		_ = grp.Wait()
	} else {
		for i, item := range items {
			if runCtx.Err() != nil {
				break
			}
			r := body(runCtx, wctx, item)
			entries[i] = itemEntry(i, r)
			if !r.Success && onFailure == FailureStop {
				break
			}
		}
	}

	attempted, failures := 0, 0
	var firstItemErr string
	var firstItemCat core.Category
	list := make([]interface{}, 0, len(items))
	for i, entry := range entries {
		if entry == nil {
			list = append(list, map[string]interface{}{"index": i, "skipped": true})
			continue
		}
		attempted++
		if ok, _ := entry["success"].(bool); !ok {
			failures++
			if firstItemErr == "" {
				firstItemErr, _ = entry["error"].(string)
				if c, ok := entry["category"].(string); ok {
					firstItemCat = core.Category(c)
				}
			}
		}
		list = append(list, entry)
	}

	quality := map[string]interface{}{
		"items_total":  len(items),
		"items_failed": failures,
	}
	switch {
	case failures > 0 && onFailure == FailureStop:
		res := StepResult{
			Success:       false,
			Output:        list,
			Error:         fmt.Sprintf("item failed: %s", firstItemErr),
			ErrorCategory: categoryOr(firstItemCat),
			Quality:       quality,
		}
		return res, false, nil
	case failures > 0 && failures == attempted:
		res := StepResult{
			Success:       false,
			Output:        list,
			Error:         fmt.Sprintf("all %d items failed: %s", failures, firstItemErr),
			ErrorCategory: categoryOr(firstItemCat),
			Quality:       quality,
		}
		return res, false, nil
	default:
		res := OK(list)
		res.Quality = quality
		return res, false, nil
	}
}

// invokePipeline submits a child run and blocks until it settles. The
// child inherits the run's effective params with the step config laid
// over them.
func (e *Engine) invokePipeline(runCtx context.Context, exec *core.Execution, step Step, wctx Context) StepResult {
	if e.runner == nil {
		return Fail(core.NewError(core.CategoryUnavailable, "no child run submitter configured"), "")
	}
	params := make(map[string]interface{}, len(wctx.Params)+len(step.Config))
	for k, v := range wctx.Params {
		params[k] = v
	}
	for k, v := range step.Config {
		params[k] = v
	}
	spec := core.WorkSpec{
		Kind:   core.KindTask,
		Name:   step.PipelineName,
		Params: params,
		Lane:   exec.Lane,
	}
	child, err := e.runner.RunChild(runCtx, spec, exec)
	if err != nil {
		res := Fail(err, "")
		if child != nil {
			res.Output = map[string]interface{}{
				"child_run_id": child.ID,
				"child_status": string(child.Status),
			}
		}
		return res
	}
	output := make(map[string]interface{}, len(child.Result)+1)
	for k, v := range child.Result {
		output[k] = v
	}
	output["child_run_id"] = child.ID
	return OK(output)
}

func (e *Engine) publishStep(ctx context.Context, topic string, exec *core.Execution, wf *Workflow, step Step, extra map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow":  wf.Name,
		"step":      step.Name,
		"step_type": string(step.Type),
	}
	for k, v := range extra {
		data[k] = v
	}
	err := e.bus.Publish(ctx, bus.Event{
		Type:      topic,
		RunID:     exec.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		e.logger.Warn("Failed to publish step event", map[string]interface{}{
			"topic": topic,
			"step":  step.Name,
			"error": err.Error(),
		})
	}
}

func itemEntry(index int, r StepResult) map[string]interface{} {
	entry := map[string]interface{}{
		"index":   index,
		"success": r.Success,
	}
	if r.Output != nil {
		entry["output"] = r.Output
	}
	if r.Error != "" {
		entry["error"] = r.Error
	}
	if r.ErrorCategory != "" {
		entry["category"] = string(r.ErrorCategory)
	}
	return entry
}

// stepMetrics folds the result's quality signal, emitted events, and
// branch choice into the row's metrics column.
func stepMetrics(res StepResult) map[string]interface{} {
	m := make(map[string]interface{}, len(res.Quality)+3)
	for k, v := range res.Quality {
		m[k] = v
	}
	if len(res.Events) > 0 {
		m["events"] = res.Events
	}
	if res.NextStep != "" {
		m["next_step"] = res.NextStep
	}
	if res.Skipped && res.Error != "" {
		m["reason"] = res.Error
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func categoryOr(cat core.Category) core.Category {
	if cat == "" {
		return core.CategoryInternal
	}
	return cat
}

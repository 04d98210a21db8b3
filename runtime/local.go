package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// LocalHandler executes one container job in-process and returns its
// log output. The context carries the job's timeout and cancellation.
type LocalHandler func(ctx context.Context, spec ContainerJobSpec) (string, error)

type localJob struct {
	state    core.RunState
	logs     string
	exitCode int
	message  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// LocalAdapter runs container jobs as in-process handler invocations.
// It backs the dev tier and exercises the full Adapter contract without
// a container engine: submissions are validated, run asynchronously,
// and observable through Status, Logs and Cancel like any real backend.
type LocalAdapter struct {
	handler   LocalHandler
	validator SpecValidator
	logger    core.Logger

	mu   sync.Mutex
	jobs map[JobRef]*localJob
}

// NewLocalAdapter creates a local runtime. A nil handler gets a default
// that records the invocation and succeeds.
func NewLocalAdapter(handler LocalHandler, logger core.Logger) *LocalAdapter {
	if handler == nil {
		handler = func(_ context.Context, spec ContainerJobSpec) (string, error) {
			return fmt.Sprintf("ran %s (image %s)", spec.Name, spec.Image), nil
		}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LocalAdapter{
		handler: handler,
		logger:  logger,
		jobs:    make(map[JobRef]*localJob),
	}
}

func (a *LocalAdapter) RuntimeName() string { return "local" }

// Capabilities reports full support: a handler invocation has no
// feature gaps to guard.
func (a *LocalAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsGPU:            true,
		SupportsVolumes:        true,
		SupportsSidecars:       true,
		SupportsInitContainers: true,
		SupportsCostLimits:     true,
	}
}

func (a *LocalAdapter) Constraints() Constraints { return Constraints{} }

// Submit validates the spec, starts the handler in the background and
// returns immediately.
func (a *LocalAdapter) Submit(ctx context.Context, spec ContainerJobSpec) (JobRef, error) {
	if err := a.validator.Check(spec, a); err != nil {
		return "", err
	}

	// Jobs outlive the submitting call, so the run context derives
	// from the background, bounded by the spec's own timeout.
	var runCtx context.Context
	var cancel context.CancelFunc
	if spec.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(spec.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	ref := JobRef(fmt.Sprintf("job-%s", core.NewRequestID()))
	job := &localJob{
		state:  core.RunStateRunning,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.mu.Lock()
	a.jobs[ref] = job
	a.mu.Unlock()

	a.logger.Debug("Submitted local job", map[string]interface{}{
		"operation": "submit_job",
		"ref":       string(ref),
		"job":       spec.Name,
		"image":     spec.Image,
	})

	go a.run(runCtx, cancel, ref, spec)
	return ref, nil
}

func (a *LocalAdapter) run(ctx context.Context, cancel context.CancelFunc, ref JobRef, spec ContainerJobSpec) {
	defer cancel()
	logs, err := a.handler(ctx, spec)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	job := a.jobs[ref]
	if job == nil {
		return
	}
	defer close(job.done)

	job.logs = logs
	if job.state.IsTerminal() {
		// Cancelled while the handler was still unwinding.
		return
	}
	if err == nil {
		job.state = core.RunStateCompleted
		return
	}

	jobErr := Classify(err)
	if jobErr.Runtime == "" {
		jobErr.Runtime = a.RuntimeName()
	}
	job.state = core.RunStateFailed
	job.message = jobErr.Error()
	job.exitCode = jobErr.ExitCode
	if job.exitCode == 0 {
		job.exitCode = 1
	}
	a.logger.Warn("Local job failed", map[string]interface{}{
		"operation": "run_job",
		"ref":       string(ref),
		"job":       spec.Name,
		"category":  string(jobErr.Category),
		"error":     jobErr.Message,
	})
}

// Status reports the job's current state.
func (a *LocalAdapter) Status(_ context.Context, ref JobRef) (JobStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, exists := a.jobs[ref]
	if !exists {
		return JobStatus{State: core.RunStateNotFound}, NewJobError(CategoryNotFound, a.RuntimeName(), "job %s not found", ref)
	}
	return JobStatus{State: job.state, ExitCode: job.exitCode, Message: job.message}, nil
}

// Logs returns the handler's collected output. Output appears once the
// job finishes.
func (a *LocalAdapter) Logs(_ context.Context, ref JobRef) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, exists := a.jobs[ref]
	if !exists {
		return "", NewJobError(CategoryNotFound, a.RuntimeName(), "job %s not found", ref)
	}
	return job.logs, nil
}

// Cancel stops a running job. Finished jobs are left as they ended.
func (a *LocalAdapter) Cancel(_ context.Context, ref JobRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, exists := a.jobs[ref]
	if !exists {
		return NewJobError(CategoryNotFound, a.RuntimeName(), "job %s not found", ref)
	}
	if job.state.IsTerminal() {
		return nil
	}
	job.state = core.RunStateCancelled
	job.message = "cancelled"
	job.cancel()
	return nil
}

// Health always succeeds: the local runtime is the process itself.
func (a *LocalAdapter) Health(context.Context) error { return nil }

// Wait blocks until the job finishes or the timeout expires. It is a
// convenience for callers beyond the Adapter contract; remote adapters
// are polled through Status instead.
func (a *LocalAdapter) Wait(ctx context.Context, ref JobRef, timeout time.Duration) (JobStatus, error) {
	a.mu.Lock()
	job, exists := a.jobs[ref]
	a.mu.Unlock()
	if !exists {
		return JobStatus{State: core.RunStateNotFound}, NewJobError(CategoryNotFound, a.RuntimeName(), "job %s not found", ref)
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-job.done:
		return a.Status(ctx, ref)
	case <-expire:
		status, _ := a.Status(ctx, ref)
		return status, NewJobError(CategoryTimeout, a.RuntimeName(), "job %s did not finish within %s", ref, timeout)
	case <-ctx.Done():
		status, _ := a.Status(ctx, ref)
		return status, ctx.Err()
	}
}

var _ Adapter = (*LocalAdapter)(nil)

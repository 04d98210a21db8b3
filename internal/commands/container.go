package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/executor"
	"github.com/ryansmccoy/spine-core-sub006/runtime"
)

// ContainerOperation is the operation name that routes container job
// specs through the runtime adapter router.
const ContainerOperation = "container.run"

// buildRuntime assembles the adapter router. Only the local adapter
// ships; it resolves the job image against the task registry and runs
// the matching handler in-process, so the dev tier can exercise the
// container contract without a container runtime.
func buildRuntime(registry *executor.Registry, log core.Logger) *runtime.Router {
	router := runtime.NewRouter(log)
	local := runtime.NewLocalAdapter(func(ctx context.Context, spec runtime.ContainerJobSpec) (string, error) {
		params := make(map[string]interface{}, len(spec.Env))
		for k, v := range spec.Env {
			params[k] = v
		}
		reg, err := registry.Resolve(core.WorkSpec{Kind: core.KindTask, Name: spec.Image})
		if err != nil {
			return "", runtime.NewJobError(runtime.CategoryImagePull, "local",
				"no handler registered for image %q", spec.Image)
		}
		out, err := reg.Handler(ctx, params)
		if err != nil {
			return "", err
		}
		if out == nil {
			return "", nil
		}
		if s, ok := out.(string); ok {
			return s, nil
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}, log)
	_ = router.Register(local)
	return router
}

// registerContainerOperation installs the container.run operation:
// params decode into a ContainerJobSpec, the router picks the adapter,
// the validator gates the spec, and the job runs to completion.
func registerContainerOperation(registry *executor.Registry, router *runtime.Router) error {
	validator := runtime.SpecValidator{}
	return registry.Register(core.KindOperation, ContainerOperation,
		func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			var spec runtime.ContainerJobSpec
			b, err := json.Marshal(params)
			if err != nil {
				return nil, core.Wrap(core.CategoryValidation, "invalid container job params", err)
			}
			if err := json.Unmarshal(b, &spec); err != nil {
				return nil, core.Wrap(core.CategoryValidation, "invalid container job params", err)
			}

			adapter, err := router.Route(spec)
			if err != nil {
				return nil, err
			}
			if violations := validator.Validate(spec, adapter); len(violations) > 0 {
				return nil, core.Errorf(core.CategoryValidation, "container job spec rejected: %v", violations)
			}

			ref, err := adapter.Submit(ctx, spec)
			if err != nil {
				return nil, err
			}

			timeout := time.Duration(spec.TimeoutSeconds) * time.Second
			status, err := waitForJob(ctx, adapter, ref, timeout)
			if err != nil {
				return nil, err
			}
			logs, _ := adapter.Logs(ctx, ref)
			if status.State != core.RunStateCompleted {
				return nil, core.Errorf(core.CategoryInternal, "container job %s: %s", status.State, status.Message)
			}
			return map[string]interface{}{
				"runtime":   adapter.RuntimeName(),
				"ref":       string(ref),
				"state":     string(status.State),
				"exit_code": status.ExitCode,
				"logs":      logs,
			}, nil
		})
}

// waitForJob polls Status until the job settles. The local adapter has
// a blocking Wait but the Adapter contract does not, so the operation
// stays adapter-agnostic.
func waitForJob(ctx context.Context, adapter runtime.Adapter, ref runtime.JobRef, timeout time.Duration) (runtime.JobStatus, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := adapter.Status(ctx, ref)
		if err != nil {
			return status, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			_ = adapter.Cancel(context.Background(), ref)
			return status, ctx.Err()
		case <-expire:
			_ = adapter.Cancel(context.Background(), ref)
			return status, core.Errorf(core.CategoryTimeout, "container job did not finish within %s", timeout)
		case <-ticker.C:
		}
	}
}

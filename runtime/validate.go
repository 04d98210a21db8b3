package runtime

import (
	"fmt"
	"strings"
)

// SpecValidator checks a job spec against an adapter's capabilities and
// constraints. It collects every violation instead of failing on the
// first so a caller can fix a spec in one round trip.
type SpecValidator struct{}

// Validate returns all violations of spec against the adapter. An empty
// slice means the spec is admissible.
func (SpecValidator) Validate(spec ContainerJobSpec, adapter Adapter) []string {
	caps := adapter.Capabilities()
	limits := adapter.Constraints()
	name := adapter.RuntimeName()

	var violations []string
	add := func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if spec.Name == "" {
		add("job name is required")
	}
	if spec.Image == "" {
		add("container image is required")
	}
	if spec.TimeoutSeconds < 0 {
		add("timeout_seconds must not be negative, got %d", spec.TimeoutSeconds)
	}
	if spec.MaxCostUSD < 0 {
		add("max_cost_usd must not be negative, got %g", spec.MaxCostUSD)
	}

	if spec.Resources.GPU > 0 && !caps.SupportsGPU {
		add("runtime %s does not support GPU resources", name)
	}
	if len(spec.Volumes) > 0 && !caps.SupportsVolumes {
		add("runtime %s does not support volumes", name)
	}
	if len(spec.Sidecars) > 0 && !caps.SupportsSidecars {
		add("runtime %s does not support sidecars", name)
	}
	if len(spec.InitContainers) > 0 && !caps.SupportsInitContainers {
		add("runtime %s does not support init containers", name)
	}
	if spec.MaxCostUSD > 0 && !caps.SupportsCostLimits {
		add("runtime %s does not support cost limits", name)
	}

	if limits.MaxEnvVars > 0 && len(spec.Env) > limits.MaxEnvVars {
		add("env var count %d exceeds runtime %s limit %d", len(spec.Env), name, limits.MaxEnvVars)
	}
	if limits.MaxTimeoutSeconds > 0 && spec.TimeoutSeconds > limits.MaxTimeoutSeconds {
		add("timeout %ds exceeds runtime %s limit %ds", spec.TimeoutSeconds, name, limits.MaxTimeoutSeconds)
	}
	if limits.MaxCPU > 0 && spec.Resources.CPU > limits.MaxCPU {
		add("cpu request %g exceeds runtime %s limit %g", spec.Resources.CPU, name, limits.MaxCPU)
	}
	if limits.MaxMemoryMB > 0 && spec.Resources.MemoryMB > limits.MaxMemoryMB {
		add("memory request %dMB exceeds runtime %s limit %dMB", spec.Resources.MemoryMB, name, limits.MaxMemoryMB)
	}
	if limits.MaxVolumes > 0 && len(spec.Volumes) > limits.MaxVolumes {
		add("volume count %d exceeds runtime %s limit %d", len(spec.Volumes), name, limits.MaxVolumes)
	}

	return violations
}

// Check returns nil when the spec is admissible, otherwise a
// non-retryable VALIDATION JobError joining every violation.
func (v SpecValidator) Check(spec ContainerJobSpec, adapter Adapter) error {
	violations := v.Validate(spec, adapter)
	if len(violations) == 0 {
		return nil
	}
	return &JobError{
		Category:  CategoryValidation,
		Message:   strings.Join(violations, "; "),
		Retryable: false,
		Runtime:   adapter.RuntimeName(),
	}
}

// Package runtime routes container-job workloads to pluggable runtime
// adapters. An Adapter wraps one execution backend (a container engine,
// a batch service, a dev-tier local runner) behind a uniform submit,
// status, logs, cancel surface. The Router picks the adapter for a job,
// and SpecValidator checks a job spec against the chosen adapter's
// capabilities and numeric constraints before submission.
//
// No cloud or cluster adapters ship here. LocalAdapter exercises the
// full contract in-process and backs the dev tier.
package runtime

import (
	"context"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Resources describes what a container job asks the runtime for.
type Resources struct {
	// CPU is the requested core count. Fractional values are allowed.
	CPU float64 `json:"cpu,omitempty"`
	// MemoryMB is the requested memory in mebibytes.
	MemoryMB int `json:"memory_mb,omitempty"`
	// GPU is the requested GPU count. Zero means none.
	GPU int `json:"gpu,omitempty"`
}

// VolumeMount attaches a named volume into the job container.
type VolumeMount struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// ContainerSpec is an auxiliary container (sidecar or init container)
// attached to a job.
type ContainerSpec struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ContainerJobSpec describes one container job to run on some runtime.
// Runtime is an optional adapter name hint; when empty the Router's
// default adapter is used.
type ContainerJobSpec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Resources      Resources         `json:"resources,omitempty"`
	Volumes        []VolumeMount     `json:"volumes,omitempty"`
	Sidecars       []ContainerSpec   `json:"sidecars,omitempty"`
	InitContainers []ContainerSpec   `json:"init_containers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxCostUSD     float64           `json:"max_cost_usd,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
}

// Capabilities reports the optional features a runtime adapter supports.
// The SpecValidator rejects specs that ask for a feature the routed
// adapter lacks.
type Capabilities struct {
	SupportsGPU            bool `json:"supports_gpu"`
	SupportsVolumes        bool `json:"supports_volumes"`
	SupportsSidecars       bool `json:"supports_sidecars"`
	SupportsInitContainers bool `json:"supports_init_containers"`
	SupportsCostLimits     bool `json:"supports_cost_limits"`
}

// Constraints are the numeric limits a runtime adapter enforces. A zero
// value means unlimited for that dimension.
type Constraints struct {
	MaxEnvVars        int     `json:"max_env_vars,omitempty"`
	MaxTimeoutSeconds int     `json:"max_timeout_seconds,omitempty"`
	MaxCPU            float64 `json:"max_cpu,omitempty"`
	MaxMemoryMB       int     `json:"max_memory_mb,omitempty"`
	MaxVolumes        int     `json:"max_volumes,omitempty"`
}

// JobRef identifies a submitted job within the adapter that accepted it.
type JobRef string

// JobStatus is a point-in-time view of a submitted job.
type JobStatus struct {
	State    core.RunState `json:"state"`
	ExitCode int           `json:"exit_code,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Adapter is one container runtime backend. Implementations translate
// the uniform job spec into backend-native submissions and report
// status in executor run states.
type Adapter interface {
	// RuntimeName returns the adapter's registry name, e.g. "local".
	RuntimeName() string

	// Capabilities reports which optional job features this backend
	// supports.
	Capabilities() Capabilities

	// Constraints reports the backend's numeric limits.
	Constraints() Constraints

	// Submit starts the job and returns a ref for later lookups.
	Submit(ctx context.Context, spec ContainerJobSpec) (JobRef, error)

	// Status reports the job's current state.
	Status(ctx context.Context, ref JobRef) (JobStatus, error)

	// Logs returns the job's collected output.
	Logs(ctx context.Context, ref JobRef) (string, error)

	// Cancel stops the job if it has not finished.
	Cancel(ctx context.Context, ref JobRef) error

	// Health probes the backend's availability.
	Health(ctx context.Context) error
}

package runtime

import (
	"errors"
	"strings"
	"testing"
)

func restrictedAdapter() *stubAdapter {
	return &stubAdapter{
		name: "restricted",
		caps: Capabilities{}, // no optional features
		limits: Constraints{
			MaxEnvVars:        2,
			MaxTimeoutSeconds: 600,
			MaxCPU:            4,
			MaxMemoryMB:       8192,
			MaxVolumes:        1,
		},
	}
}

func permissiveAdapter() *stubAdapter {
	return &stubAdapter{
		name: "permissive",
		caps: Capabilities{
			SupportsGPU:            true,
			SupportsVolumes:        true,
			SupportsSidecars:       true,
			SupportsInitContainers: true,
			SupportsCostLimits:     true,
		},
	}
}

func TestValidateAdmissibleSpec(t *testing.T) {
	spec := ContainerJobSpec{
		Name:           "etl-daily",
		Image:          "registry.example/etl:1.4",
		Env:            map[string]string{"DAY": "2024-03-15"},
		Resources:      Resources{CPU: 2, MemoryMB: 4096},
		TimeoutSeconds: 300,
	}
	var v SpecValidator
	if violations := v.Validate(spec, restrictedAdapter()); len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
	if err := v.Check(spec, restrictedAdapter()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	spec := ContainerJobSpec{
		Name:      "greedy",
		Image:     "registry.example/greedy:1",
		Env:       map[string]string{"A": "1", "B": "2", "C": "3"},
		Resources: Resources{CPU: 16, MemoryMB: 65536, GPU: 2},
		Volumes: []VolumeMount{
			{Name: "in", Source: "/data/in", MountPath: "/in"},
			{Name: "out", Source: "/data/out", MountPath: "/out"},
		},
		Sidecars:       []ContainerSpec{{Name: "proxy", Image: "envoy:1"}},
		InitContainers: []ContainerSpec{{Name: "init", Image: "busybox:1"}},
		TimeoutSeconds: 3600,
		MaxCostUSD:     10,
	}

	violations := SpecValidator{}.Validate(spec, restrictedAdapter())
	wantFragments := []string{
		"GPU",
		"volumes",
		"sidecars",
		"init containers",
		"cost limits",
		"env var count 3",
		"timeout 3600s",
		"cpu request 16",
		"memory request 65536MB",
		"volume count 2",
	}
	for _, fragment := range wantFragments {
		found := false
		for _, violation := range violations {
			if strings.Contains(violation, fragment) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing violation mentioning %q in %v", fragment, violations)
		}
	}
	if len(violations) != len(wantFragments) {
		t.Errorf("got %d violations, want %d: %v", len(violations), len(wantFragments), violations)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	violations := SpecValidator{}.Validate(ContainerJobSpec{}, permissiveAdapter())
	joined := strings.Join(violations, "; ")
	if !strings.Contains(joined, "job name is required") {
		t.Errorf("missing name violation: %v", violations)
	}
	if !strings.Contains(joined, "container image is required") {
		t.Errorf("missing image violation: %v", violations)
	}
}

func TestValidateNegativeValues(t *testing.T) {
	spec := ContainerJobSpec{
		Name:           "bad",
		Image:          "img:1",
		TimeoutSeconds: -5,
		MaxCostUSD:     -1,
	}
	violations := SpecValidator{}.Validate(spec, permissiveAdapter())
	joined := strings.Join(violations, "; ")
	if !strings.Contains(joined, "timeout_seconds must not be negative") {
		t.Errorf("missing timeout violation: %v", violations)
	}
	if !strings.Contains(joined, "max_cost_usd must not be negative") {
		t.Errorf("missing cost violation: %v", violations)
	}
}

func TestValidateZeroConstraintsAreUnlimited(t *testing.T) {
	spec := ContainerJobSpec{
		Name:           "huge",
		Image:          "img:1",
		Env:            map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"},
		Resources:      Resources{CPU: 128, MemoryMB: 1 << 20, GPU: 8},
		TimeoutSeconds: 86400,
	}
	if violations := (SpecValidator{}).Validate(spec, permissiveAdapter()); len(violations) != 0 {
		t.Fatalf("zero constraints must not limit anything, got %v", violations)
	}
}

func TestCheckBuildsValidationJobError(t *testing.T) {
	spec := ContainerJobSpec{Name: "job", Image: "img:1", Resources: Resources{GPU: 1}}
	err := SpecValidator{}.Check(spec, restrictedAdapter())
	if err == nil {
		t.Fatal("expected a validation error")
	}

	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *JobError, got %T", err)
	}
	if jobErr.Category != CategoryValidation {
		t.Errorf("category = %s, want %s", jobErr.Category, CategoryValidation)
	}
	if jobErr.Retryable {
		t.Error("validation failures must not be retryable")
	}
	if jobErr.Runtime != "restricted" {
		t.Errorf("runtime = %q, want restricted", jobErr.Runtime)
	}
	if !strings.Contains(jobErr.Message, "GPU") {
		t.Errorf("message should name the violation, got %q", jobErr.Message)
	}
}

// Package workflow defines multi-step workflow graphs and the engine
// that runs them. A Workflow is an immutable, versioned definition;
// each run derives a dependency DAG from its steps, executes them
// sequentially or as a bounded-parallel frontier, records every step
// in core_workflow_steps, and folds step outputs into an immutable
// per-run context.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Mode selects how steps are scheduled within a run.
type Mode string

const (
	// ModeSequential runs steps one at a time in topological order,
	// ties broken by declaration order.
	ModeSequential Mode = "SEQUENTIAL"
	// ModeParallel runs every dependency-satisfied step concurrently,
	// bounded by the engine's configured width.
	ModeParallel Mode = "PARALLEL"
)

// OnFailure selects what a step failure does to the rest of the run.
type OnFailure string

const (
	// FailureStop fails the workflow at the first failed step and
	// cancels everything not yet started.
	FailureStop OnFailure = "STOP"
	// FailureContinue attempts every step regardless of failures.
	FailureContinue OnFailure = "CONTINUE"
)

// StepType discriminates the five step behaviors.
type StepType string

const (
	StepPipeline StepType = "PIPELINE"
	StepLambda   StepType = "LAMBDA"
	StepChoice   StepType = "CHOICE"
	StepWait     StepType = "WAIT"
	StepMap      StepType = "MAP"
)

// Policy is the per-workflow execution policy.
type Policy struct {
	Mode           Mode      `json:"mode" yaml:"mode"`
	OnFailure      OnFailure `json:"on_failure" yaml:"on_failure"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// DefaultPolicy is sequential, stop-on-failure, no timeout.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeSequential, OnFailure: FailureStop}
}

// Step is one node of a workflow graph. Which attributes apply depends
// on Type; Validate enforces the pairing.
type Step struct {
	Name string   `json:"name" yaml:"name"`
	Type StepType `json:"type" yaml:"type"`

	PipelineName string `json:"pipeline_name,omitempty" yaml:"pipeline_name,omitempty"`
	HandlerRef   string `json:"handler_ref,omitempty" yaml:"handler_ref,omitempty"`

	ConditionRef string `json:"condition_ref,omitempty" yaml:"condition_ref,omitempty"`
	ThenStep     string `json:"then_step,omitempty" yaml:"then_step,omitempty"`
	ElseStep     string `json:"else_step,omitempty" yaml:"else_step,omitempty"`

	DurationSeconds int `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`

	ItemsRef string `json:"items_ref,omitempty" yaml:"items_ref,omitempty"`
	BodyRef  string `json:"body_ref,omitempty" yaml:"body_ref,omitempty"`

	DependsOn []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// After returns a copy with the dependency list set.
func (s Step) After(deps ...string) Step {
	s.DependsOn = append([]string(nil), deps...)
	return s
}

// WithConfig returns a copy with the step config set.
func (s Step) WithConfig(config map[string]interface{}) Step {
	s.Config = config
	return s
}

// Pipeline builds a step that submits a child run and uses its result
// as the step output.
func Pipeline(name, pipelineName string) Step {
	return Step{Name: name, Type: StepPipeline, PipelineName: pipelineName}
}

// Lambda builds a step that calls a registered in-process handler.
func Lambda(name, handlerRef string) Step {
	return Step{Name: name, Type: StepLambda, HandlerRef: handlerRef}
}

// Choice builds a branching step. elseStep may be empty; a falsy
// condition without one simply skips the then branch.
func Choice(name, conditionRef, thenStep, elseStep string) Step {
	return Step{Name: name, Type: StepChoice, ConditionRef: conditionRef, ThenStep: thenStep, ElseStep: elseStep}
}

// Wait builds a timed suspension step.
func Wait(name string, seconds int) Step {
	return Step{Name: name, Type: StepWait, DurationSeconds: seconds}
}

// MapStep builds a fan-out step: itemsRef produces the items, bodyRef
// runs once per item.
func MapStep(name, itemsRef, bodyRef string) Step {
	return Step{Name: name, Type: StepMap, ItemsRef: itemsRef, BodyRef: bodyRef}
}

// Workflow is an immutable definition. Build it through Builder (or
// FromDict/ParseYAML); a published definition never changes, a new
// Version is a new row.
type Workflow struct {
	Name        string                 `json:"name" yaml:"name"`
	Domain      string                 `json:"domain,omitempty" yaml:"domain,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int                    `json:"version,omitempty" yaml:"version,omitempty"`
	Defaults    map[string]interface{} `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Tags        []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Steps       []Step                 `json:"steps" yaml:"steps"`
	Policy      Policy                 `json:"policy" yaml:"policy"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Step returns the named step, nil if absent.
func (w *Workflow) Step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// Validate enforces the construction invariants: at least one step,
// unique names, per-type required attributes, CHOICE targets and
// depends_on referencing existing steps, no self-dependency, and an
// acyclic dependency graph.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return core.NewError(core.CategoryValidation, "workflow name is required")
	}
	if len(w.Steps) == 0 {
		return core.Errorf(core.CategoryValidation, "workflow %s has no steps", w.Name)
	}
	if w.Policy.Mode == "" {
		w.Policy.Mode = ModeSequential
	}
	if w.Policy.OnFailure == "" {
		w.Policy.OnFailure = FailureStop
	}
	if w.Policy.Mode != ModeSequential && w.Policy.Mode != ModeParallel {
		return core.Errorf(core.CategoryValidation, "workflow %s: unknown mode %q", w.Name, w.Policy.Mode)
	}
	if w.Policy.OnFailure != FailureStop && w.Policy.OnFailure != FailureContinue {
		return core.Errorf(core.CategoryValidation, "workflow %s: unknown on_failure %q", w.Name, w.Policy.OnFailure)
	}

	names := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Name == "" {
			return core.Errorf(core.CategoryValidation, "workflow %s: step %d has no name", w.Name, i)
		}
		if names[step.Name] {
			return core.Errorf(core.CategoryValidation, "workflow %s: duplicate step name %q", w.Name, step.Name)
		}
		names[step.Name] = true
		if err := w.validateStep(step); err != nil {
			return err
		}
	}

	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Type == StepChoice {
			if step.ThenStep != "" && !names[step.ThenStep] {
				return core.Errorf(core.CategoryValidation,
					"workflow %s: step %q then_step %q does not exist", w.Name, step.Name, step.ThenStep)
			}
			if step.ElseStep != "" && !names[step.ElseStep] {
				return core.Errorf(core.CategoryValidation,
					"workflow %s: step %q else_step %q does not exist", w.Name, step.Name, step.ElseStep)
			}
		}
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return core.Errorf(core.CategoryValidation,
					"workflow %s: step %q depends on itself", w.Name, step.Name)
			}
			if !names[dep] {
				return core.Errorf(core.CategoryValidation,
					"workflow %s: step %q depends on unknown step %q", w.Name, step.Name, dep)
			}
		}
	}

	if cycle := findCycle(w.Steps); cycle != "" {
		return core.Errorf(core.CategoryValidation,
			"workflow %s: dependency cycle through step %q", w.Name, cycle)
	}
	return nil
}

func (w *Workflow) validateStep(step *Step) error {
	fail := func(format string, args ...interface{}) error {
		prefix := fmt.Sprintf("workflow %s: step %q: ", w.Name, step.Name)
		return core.Errorf(core.CategoryValidation, prefix+format, args...)
	}
	switch step.Type {
	case StepPipeline:
		if step.PipelineName == "" {
			return fail("pipeline_name is required")
		}
	case StepLambda:
		if step.HandlerRef == "" {
			return fail("handler_ref is required")
		}
	case StepChoice:
		if step.ConditionRef == "" {
			return fail("condition_ref is required")
		}
		if step.ThenStep == "" {
			return fail("then_step is required")
		}
	case StepWait:
		if step.DurationSeconds <= 0 {
			return fail("duration_seconds must be positive")
		}
	case StepMap:
		if step.ItemsRef == "" {
			return fail("items_ref is required")
		}
		if step.BodyRef == "" {
			return fail("body_ref is required")
		}
	default:
		return fail("unknown step type %q", step.Type)
	}
	return nil
}

// findCycle runs DFS over the effective dependency edges (declared
// depends_on plus implicit choice-to-target edges) and returns a step
// name on a cycle, or "".
func findCycle(steps []Step) string {
	deps := effectiveDeps(steps)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		for _, dep := range deps[name] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, s := range steps {
		if color[s.Name] == white {
			if hit := visit(s.Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// ToDict renders the definition as a JSON-shaped map. FromDict(ToDict)
// reproduces the workflow.
func (w *Workflow) ToDict() (map[string]interface{}, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow %s: %w", w.Name, err)
	}
	var dict map[string]interface{}
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, err
	}
	return dict, nil
}

// FromDict rebuilds a workflow from a ToDict map and validates it.
func FromDict(dict map[string]interface{}) (*Workflow, error) {
	raw, err := json.Marshal(dict)
	if err != nil {
		return nil, core.Errorf(core.CategoryValidation, "workflow dict is not encodable: %v", err)
	}
	var w Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, core.Errorf(core.CategoryValidation, "malformed workflow dict: %v", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// ParseYAML decodes one workflow definition and validates it.
func ParseYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, core.Errorf(core.CategoryValidation, "malformed workflow yaml: %v", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Builder assembles a workflow definition.
type Builder struct {
	w *Workflow
}

// NewBuilder starts a definition with the default policy.
func NewBuilder(name string) *Builder {
	return &Builder{w: &Workflow{Name: name, Policy: DefaultPolicy()}}
}

// Domain sets the owning domain.
func (b *Builder) Domain(domain string) *Builder {
	b.w.Domain = domain
	return b
}

// Description sets the human description.
func (b *Builder) Description(text string) *Builder {
	b.w.Description = text
	return b
}

// Defaults sets the parameter defaults merged under submitted params.
func (b *Builder) Defaults(defaults map[string]interface{}) *Builder {
	b.w.Defaults = defaults
	return b
}

// Tags sets the definition tags.
func (b *Builder) Tags(tags ...string) *Builder {
	b.w.Tags = tags
	return b
}

// Mode sets the scheduling mode.
func (b *Builder) Mode(mode Mode) *Builder {
	b.w.Policy.Mode = mode
	return b
}

// OnFailure sets the failure policy.
func (b *Builder) OnFailure(policy OnFailure) *Builder {
	b.w.Policy.OnFailure = policy
	return b
}

// Timeout sets the whole-run timeout.
func (b *Builder) Timeout(seconds int) *Builder {
	b.w.Policy.TimeoutSeconds = seconds
	return b
}

// Add appends steps in declaration order.
func (b *Builder) Add(steps ...Step) *Builder {
	b.w.Steps = append(b.w.Steps, steps...)
	return b
}

// Build validates and returns the immutable definition.
func (b *Builder) Build() (*Workflow, error) {
	w := *b.w
	w.Steps = append([]Step(nil), b.w.Steps...)
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

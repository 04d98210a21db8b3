package workflow

import (
	"encoding/json"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Context is the immutable per-run view a step executes against.
// Params start as workflow defaults merged under the submitted params;
// Outputs accumulate step outputs keyed by step name. Steps never see
// a context another step can still mutate: WithOutput and WithParams
// return copies.
type Context struct {
	Params        map[string]interface{}
	Outputs       map[string]interface{}
	RunID         string
	CorrelationID string
}

// NewContext merges defaults under params and returns the run's
// initial context.
func NewContext(defaults, params map[string]interface{}, runID, correlationID string) Context {
	merged := make(map[string]interface{}, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return Context{
		Params:        merged,
		Outputs:       map[string]interface{}{},
		RunID:         runID,
		CorrelationID: correlationID,
	}
}

// Output returns a recorded step output.
func (c Context) Output(step string) (interface{}, bool) {
	v, ok := c.Outputs[step]
	return v, ok
}

// Param returns an effective parameter.
func (c Context) Param(name string) (interface{}, bool) {
	v, ok := c.Params[name]
	return v, ok
}

// WithOutput returns a copy with the step's output recorded.
func (c Context) WithOutput(step string, output interface{}) Context {
	outputs := make(map[string]interface{}, len(c.Outputs)+1)
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	outputs[step] = output
	c.Outputs = outputs
	return c
}

// WithParams returns a copy with updates merged over the params.
func (c Context) WithParams(updates map[string]interface{}) Context {
	if len(updates) == 0 {
		return c
	}
	params := make(map[string]interface{}, len(c.Params)+len(updates))
	for k, v := range c.Params {
		params[k] = v
	}
	for k, v := range updates {
		params[k] = v
	}
	c.Params = params
	return c
}

// StepResult is what a step execution reports back to the engine.
type StepResult struct {
	Success        bool                   `json:"success"`
	Skipped        bool                   `json:"skipped,omitempty"`
	Output         interface{}            `json:"output,omitempty"`
	ContextUpdates map[string]interface{} `json:"context_updates,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorCategory  core.Category          `json:"error_category,omitempty"`
	Quality        map[string]interface{} `json:"quality,omitempty"`
	Events         []string               `json:"events,omitempty"`
	NextStep       string                 `json:"next_step,omitempty"`
}

// OK reports a successful step. Pass nil for a step with no output.
func OK(output interface{}) StepResult {
	return StepResult{Success: true, Output: output}
}

// OKWithUpdates reports success plus params visible to later steps.
func OKWithUpdates(output interface{}, updates map[string]interface{}) StepResult {
	return StepResult{Success: true, Output: output, ContextUpdates: updates}
}

// Fail reports a failed step.
func Fail(err error, category core.Category) StepResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if category == "" {
		category = core.CategoryOf(err)
	}
	return StepResult{Success: false, Error: msg, ErrorCategory: category}
}

// Skip reports a step that did not run.
func Skip(reason string) StepResult {
	return StepResult{Success: true, Skipped: true, Error: reason}
}

// ToDict renders the result as a JSON-shaped map.
func (r StepResult) ToDict() (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var dict map[string]interface{}
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, err
	}
	return dict, nil
}

// StepResultFromDict rebuilds a result from a ToDict map.
func StepResultFromDict(dict map[string]interface{}) (StepResult, error) {
	raw, err := json.Marshal(dict)
	if err != nil {
		return StepResult{}, core.Errorf(core.CategoryValidation, "step result dict is not encodable: %v", err)
	}
	var r StepResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return StepResult{}, core.Errorf(core.CategoryValidation, "malformed step result dict: %v", err)
	}
	return r, nil
}

package core

import (
	"fmt"
)

// WorkKind identifies which family of handlers a spec targets
type WorkKind string

const (
	KindTask      WorkKind = "task"
	KindOperation WorkKind = "operation"
	KindWorkflow  WorkKind = "workflow"
)

// CatchAllName registers a handler for every name within a kind.
const CatchAllName = "__all__"

// ValidKind reports whether k names a known work kind.
func ValidKind(k WorkKind) bool {
	switch k {
	case KindTask, KindOperation, KindWorkflow:
		return true
	}
	return false
}

// WorkSpec describes one unit of work to submit. Kind selects the
// handler family, Name the handler (or workflow definition), Params the
// input payload. Runtime and Lane are advisory hints.
type WorkSpec struct {
	Kind           WorkKind               `json:"kind"`
	Name           string                 `json:"name"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Runtime        string                 `json:"runtime,omitempty"`
	Lane           string                 `json:"lane,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// Validate checks the spec is submittable.
func (s WorkSpec) Validate() error {
	if !ValidKind(s.Kind) {
		return Errorf(CategoryValidation, "unknown work kind %q", string(s.Kind))
	}
	if s.Name == "" {
		return NewError(CategoryValidation, "work spec name is required")
	}
	if s.TimeoutSeconds < 0 {
		return NewError(CategoryValidation, "timeout_seconds must be >= 0")
	}
	return nil
}

// HandlerKey returns the registry key for this spec.
func (s WorkSpec) HandlerKey() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Name)
}

// CatchAllKey returns the catch-all registry key for this spec's kind.
func (s WorkSpec) CatchAllKey() string {
	return fmt.Sprintf("%s:%s", s.Kind, CatchAllName)
}

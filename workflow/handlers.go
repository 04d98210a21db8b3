package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// StepHandler backs LAMBDA steps and MAP bodies registered as plain
// handlers. It receives the immutable run context and the step config.
type StepHandler func(ctx context.Context, wctx Context, config map[string]interface{}) StepResult

// Condition backs CHOICE steps.
type Condition func(ctx context.Context, wctx Context) (bool, error)

// ItemsFunc backs MAP steps: it produces the finite item list the body
// runs over.
type ItemsFunc func(ctx context.Context, wctx Context) ([]interface{}, error)

// BodyFunc runs once per MAP item.
type BodyFunc func(ctx context.Context, wctx Context, item interface{}) StepResult

// Runnable submits a child run for a PIPELINE step and drives it to a
// terminal state. The dispatcher satisfies this.
type Runnable interface {
	RunChild(ctx context.Context, spec core.WorkSpec, parent *core.Execution) (*core.Execution, error)
}

// RunReader loads the root run's current row. The engine uses it to
// notice out-of-band cancellation; the ledger satisfies this.
type RunReader interface {
	Get(ctx context.Context, id string) (*core.Execution, error)
}

// HandlerRegistry resolves the refs a definition names: lambda
// handlers, choice conditions, map item producers, and map bodies.
type HandlerRegistry struct {
	mu         sync.RWMutex
	handlers   map[string]StepHandler
	conditions map[string]Condition
	items      map[string]ItemsFunc
	bodies     map[string]BodyFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers:   make(map[string]StepHandler),
		conditions: make(map[string]Condition),
		items:      make(map[string]ItemsFunc),
		bodies:     make(map[string]BodyFunc),
	}
}

// RegisterHandler binds a LAMBDA ref.
func (r *HandlerRegistry) RegisterHandler(ref string, h StepHandler) error {
	if ref == "" || h == nil {
		return core.NewError(core.CategoryValidation, "handler ref and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ref] = h
	return nil
}

// RegisterCondition binds a CHOICE ref.
func (r *HandlerRegistry) RegisterCondition(ref string, c Condition) error {
	if ref == "" || c == nil {
		return core.NewError(core.CategoryValidation, "condition ref and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[ref] = c
	return nil
}

// RegisterItems binds a MAP items ref.
func (r *HandlerRegistry) RegisterItems(ref string, f ItemsFunc) error {
	if ref == "" || f == nil {
		return core.NewError(core.CategoryValidation, "items ref and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[ref] = f
	return nil
}

// RegisterBody binds a MAP body ref. A LAMBDA handler registered under
// the same ref also serves as a body, receiving the item under the
// config key "item".
func (r *HandlerRegistry) RegisterBody(ref string, f BodyFunc) error {
	if ref == "" || f == nil {
		return core.NewError(core.CategoryValidation, "body ref and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[ref] = f
	return nil
}

func (r *HandlerRegistry) handler(ref string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ref]
	if !ok {
		return nil, fmt.Errorf("lambda ref %q: %w", ref, core.ErrNoHandler)
	}
	return h, nil
}

func (r *HandlerRegistry) condition(ref string) (Condition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[ref]
	if !ok {
		return nil, fmt.Errorf("condition ref %q: %w", ref, core.ErrNoHandler)
	}
	return c, nil
}

func (r *HandlerRegistry) itemsFunc(ref string) (ItemsFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.items[ref]
	if !ok {
		return nil, fmt.Errorf("items ref %q: %w", ref, core.ErrNoHandler)
	}
	return f, nil
}

// bodyFunc falls back to a registered handler of the same ref so one
// function can serve both a LAMBDA step and a MAP body.
func (r *HandlerRegistry) bodyFunc(ref string) (BodyFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.bodies[ref]; ok {
		return f, nil
	}
	if h, ok := r.handlers[ref]; ok {
		return func(ctx context.Context, wctx Context, item interface{}) StepResult {
			return h(ctx, wctx, map[string]interface{}{"item": item})
		}, nil
	}
	return nil, fmt.Errorf("body ref %q: %w", ref, core.ErrNoHandler)
}

// Refs lists every registered ref, sorted, for diagnostics.
func (r *HandlerRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.handlers)+len(r.conditions)+len(r.items)+len(r.bodies))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	for ref := range r.conditions {
		refs = append(refs, ref)
	}
	for ref := range r.items {
		refs = append(refs, ref)
	}
	for ref := range r.bodies {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Registration is a handler bound to a kind:name key.
type Registration struct {
	Key      string
	Affinity Affinity
	Handler  HandlerFunc
}

// Registry maps kind:name keys to handlers. Lookup falls back from the
// exact name to the kind's catch-all before failing.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
	logger   core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		handlers: make(map[string]Registration),
		logger:   logger,
	}
}

// Register binds a handler with AffinityAny.
func (r *Registry) Register(kind core.WorkKind, name string, handler HandlerFunc) error {
	return r.register(kind, name, handler, AffinityAny)
}

// RegisterSync binds a handler that must run to completion on the
// submitting path or a pooled worker.
func (r *Registry) RegisterSync(kind core.WorkKind, name string, handler HandlerFunc) error {
	return r.register(kind, name, handler, AffinitySync)
}

// RegisterAsync binds a handler that requires a non-blocking executor.
func (r *Registry) RegisterAsync(kind core.WorkKind, name string, handler HandlerFunc) error {
	return r.register(kind, name, handler, AffinityAsync)
}

// RegisterCatchAll binds the kind's fallback handler.
func (r *Registry) RegisterCatchAll(kind core.WorkKind, handler HandlerFunc) error {
	return r.register(kind, core.CatchAllName, handler, AffinityAny)
}

func (r *Registry) register(kind core.WorkKind, name string, handler HandlerFunc, affinity Affinity) error {
	if !core.ValidKind(kind) {
		return core.Errorf(core.CategoryValidation, "invalid work kind %q", kind)
	}
	if name == "" {
		return core.NewError(core.CategoryValidation, "handler name cannot be empty")
	}
	if handler == nil {
		return core.NewError(core.CategoryValidation, "handler cannot be nil")
	}

	key := fmt.Sprintf("%s:%s", kind, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return core.Errorf(core.CategoryConflict, "handler %s already registered", key)
	}
	r.handlers[key] = Registration{Key: key, Affinity: affinity, Handler: handler}

	r.logger.Debug("handler registered", map[string]interface{}{
		"operation": "register_handler",
		"key":       key,
		"affinity":  string(affinity),
	})
	return nil
}

// Resolve finds the handler for a spec: kind:name first, then the
// kind's catch-all.
func (r *Registry) Resolve(spec core.WorkSpec) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.handlers[spec.HandlerKey()]; ok {
		return reg, nil
	}
	if reg, ok := r.handlers[spec.CatchAllKey()]; ok {
		return reg, nil
	}
	return Registration{}, fmt.Errorf("no handler for %s: %w", spec.HandlerKey(), core.ErrNoHandler)
}

// Has reports whether an exact kind:name binding exists.
func (r *Registry) Has(kind core.WorkKind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[fmt.Sprintf("%s:%s", kind, name)]
	return ok
}

// Keys returns the registered keys sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

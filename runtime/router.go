package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Router keeps the registered runtime adapters and picks one per job.
// The first registered adapter becomes the default until SetDefault
// changes it.
type Router struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
	logger      core.Logger
}

// NewRouter creates an empty adapter router.
func NewRouter(logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter under its RuntimeName. The first adapter
// registered becomes the default route.
func (r *Router) Register(adapter Adapter) error {
	if adapter == nil {
		return core.NewError(core.CategoryValidation, "adapter must not be nil")
	}
	name := adapter.RuntimeName()
	if name == "" {
		return core.NewError(core.CategoryValidation, "adapter runtime name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return core.Errorf(core.CategoryConflict, "runtime adapter %s already registered", name)
	}
	r.adapters[name] = adapter
	if r.defaultName == "" {
		r.defaultName = name
	}
	r.logger.Debug("Registered runtime adapter", map[string]interface{}{
		"operation": "register_adapter",
		"runtime":   name,
		"default":   r.defaultName == name,
	})
	return nil
}

// Unregister removes an adapter. Removing the default leaves the router
// without one until SetDefault is called again.
func (r *Router) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; !exists {
		return fmt.Errorf("runtime adapter %s: %w", name, core.ErrNotFound)
	}
	delete(r.adapters, name)
	if r.defaultName == name {
		r.defaultName = ""
	}
	return nil
}

// SetDefault changes which adapter handles jobs with no runtime hint.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; !exists {
		return fmt.Errorf("runtime adapter %s: %w", name, core.ErrNotFound)
	}
	r.defaultName = name
	return nil
}

// Route returns the adapter for the spec: the named one when the spec
// carries a runtime hint, the default otherwise.
func (r *Router) Route(spec ContainerJobSpec) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.adapters) == 0 {
		return nil, core.NewError(core.CategoryUnavailable, "no runtime adapters registered")
	}
	if spec.Runtime != "" {
		adapter, exists := r.adapters[spec.Runtime]
		if !exists {
			return nil, fmt.Errorf("runtime adapter %s: %w", spec.Runtime, core.ErrNotFound)
		}
		return adapter, nil
	}
	if r.defaultName == "" {
		return nil, core.NewError(core.CategoryUnavailable, "no default runtime adapter set")
	}
	return r.adapters[r.defaultName], nil
}

// DefaultName returns the current default adapter name, empty when none
// is set.
func (r *Router) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names returns the registered adapter names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthAll probes every registered adapter concurrently and returns
// the per-adapter outcome. A nil map entry means healthy.
func (r *Router) HealthAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Adapter, len(r.adapters))
	for name, adapter := range r.adapters {
		snapshot[name] = adapter
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	var resultsMu sync.Mutex
	var g errgroup.Group
	for name, adapter := range snapshot {
		name, adapter := name, adapter
		g.Go(func() error {
			err := adapter.Health(ctx)
			resultsMu.Lock()
			results[name] = err
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Registry stores immutable, versioned workflow definitions in
// core_workflows. Publishing a name again creates the next version;
// existing rows never change.
type Registry struct {
	conn   *store.Connection
	logger core.Logger
}

// NewRegistry creates a registry over a connection.
func NewRegistry(conn *store.Connection, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{conn: conn, logger: logger}
}

// Publish validates the definition and stores it as the next version
// for its name. The returned copy carries the assigned version.
func (r *Registry) Publish(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	stored := *wf
	stored.Steps = append([]Step(nil), wf.Steps...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// Two publishers racing on the same name trip the (name, version)
	// unique index; the loser recomputes and tries again.
	for attempt := 0; attempt < 3; attempt++ {
		version, err := r.nextVersion(ctx, stored.Name)
		if err != nil {
			return nil, err
		}
		stored.Version = version
		err = store.NewRepository(r.conn).Insert(ctx, "core_workflows", map[string]interface{}{
			"id":          core.NewID(),
			"name":        stored.Name,
			"domain":      stored.Domain,
			"description": stored.Description,
			"version":     stored.Version,
			"defaults":    store.EncodeJSON(stored.Defaults),
			"tags":        store.EncodeJSON(stored.Tags),
			"steps":       store.EncodeJSON(stored.Steps),
			"policy":      store.EncodeJSON(stored.Policy),
			"created_at":  stored.CreatedAt,
		})
		if err == nil {
			r.logger.Info("Workflow published", map[string]interface{}{
				"workflow": stored.Name,
				"version":  stored.Version,
				"steps":    len(stored.Steps),
			})
			return &stored, nil
		}
		if isVersionConflict(err) {
			continue
		}
		return nil, err
	}
	return nil, core.Errorf(core.CategoryConflict, "workflow %s: version contention", stored.Name)
}

// Get returns the latest version of a definition.
func (r *Registry) Get(ctx context.Context, name string) (*Workflow, error) {
	row, err := r.conn.QueryOne(ctx,
		"SELECT * FROM core_workflows WHERE name = ? ORDER BY version DESC LIMIT 1", name)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("workflow %s: %w", name, core.ErrNotFound)
	}
	return r.rowToWorkflow(row)
}

// GetVersion returns one specific version.
func (r *Registry) GetVersion(ctx context.Context, name string, version int) (*Workflow, error) {
	row, err := r.conn.QueryOne(ctx,
		"SELECT * FROM core_workflows WHERE name = ? AND version = ?", name, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("workflow %s version %d: %w", name, version, core.ErrNotFound)
	}
	return r.rowToWorkflow(row)
}

// List returns the latest version of every definition, ordered by name.
func (r *Registry) List(ctx context.Context) ([]*Workflow, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT * FROM core_workflows w
		  WHERE version = (SELECT MAX(version) FROM core_workflows WHERE name = w.name)
		  ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]*Workflow, 0, len(rows))
	for _, row := range rows {
		wf, err := r.rowToWorkflow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// Versions returns the published version numbers for a name, ascending.
func (r *Registry) Versions(ctx context.Context, name string) ([]int, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT version FROM core_workflows WHERE name = ? ORDER BY version", name)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	out := make([]int, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.AsInt(row, "version"))
	}
	return out, nil
}

func (r *Registry) nextVersion(ctx context.Context, name string) (int, error) {
	row, err := r.conn.QueryOne(ctx,
		"SELECT COALESCE(MAX(version), 0) AS v FROM core_workflows WHERE name = ?", name)
	if err != nil {
		return 0, fmt.Errorf("failed to read workflow versions: %w", err)
	}
	if row == nil {
		return 1, nil
	}
	return store.AsInt(row, "v") + 1, nil
}

func (r *Registry) rowToWorkflow(row map[string]interface{}) (*Workflow, error) {
	w := &Workflow{
		Name:        store.AsString(row, "name"),
		Domain:      store.AsString(row, "domain"),
		Description: store.AsString(row, "description"),
		Version:     store.AsInt(row, "version"),
		Defaults:    store.AsMap(row, "defaults"),
		Tags:        store.AsStringSlice(row, "tags"),
		CreatedAt:   store.AsTime(r.conn.Dialect(), row, "created_at"),
	}
	if raw := store.AsString(row, "steps"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.Steps); err != nil {
			return nil, core.Errorf(core.CategoryInternal,
				"workflow %s version %d has a malformed steps column: %v", w.Name, w.Version, err)
		}
	}
	if raw := store.AsString(row, "policy"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.Policy); err != nil {
			return nil, core.Errorf(core.CategoryInternal,
				"workflow %s version %d has a malformed policy column: %v", w.Name, w.Version, err)
		}
	}
	if w.Policy.Mode == "" {
		w.Policy = DefaultPolicy()
	}
	return w, nil
}

func isVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

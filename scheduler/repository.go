package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Filter narrows List.
type Filter struct {
	Enabled    *bool
	TargetType TargetType
	Limit      int
	Offset     int
}

// Repository persists schedules in core_schedules.
type Repository struct {
	conn   *store.Connection
	logger core.Logger
}

// NewRepository creates a schedule repository over a connection.
func NewRepository(conn *store.Connection, logger core.Logger) *Repository {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Repository{conn: conn, logger: logger}
}

// Create validates and inserts a schedule. A nil NextRunAt is computed
// from now so the row is immediately sweepable. Names are unique.
func (r *Repository) Create(ctx context.Context, s *Schedule) (*Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	stored := *s
	if stored.ID == "" {
		stored.ID = core.NewID()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	if stored.NextRunAt == nil {
		next, err := ComputeNextRun(&stored, now)
		if err != nil {
			return nil, err
		}
		stored.NextRunAt = &next
	}
	if stored.MisfireGraceSeconds == 0 {
		stored.MisfireGraceSeconds = DefaultMisfireGrace
	}
	if stored.Timezone == "" {
		stored.Timezone = "UTC"
	}

	err := store.NewRepository(r.conn).Insert(ctx, "core_schedules", map[string]interface{}{
		"id":                    stored.ID,
		"name":                  stored.Name,
		"target_type":           string(stored.TargetType),
		"target_name":           stored.TargetName,
		"schedule_type":         string(stored.ScheduleType),
		"cron_expression":       stored.CronExpression,
		"interval_seconds":      stored.IntervalSeconds,
		"timezone":              stored.Timezone,
		"enabled":               stored.Enabled,
		"misfire_grace_seconds": stored.MisfireGraceSeconds,
		"next_run_at":           *stored.NextRunAt,
		"params":                store.EncodeJSON(stored.Params),
		"version":               stored.Version,
		"created_by":            stored.CreatedBy,
		"created_at":            stored.CreatedAt,
		"updated_at":            stored.UpdatedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.Errorf(core.CategoryConflict, "schedule name %q is already taken", stored.Name)
		}
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	r.logger.Info("Schedule created", map[string]interface{}{
		"schedule_id": stored.ID,
		"name":        stored.Name,
		"target":      stored.TargetName,
		"type":        string(stored.ScheduleType),
		"next_run_at": stored.NextRunAt.Format(time.RFC3339),
	})
	return &stored, nil
}

// Get returns one schedule by id.
func (r *Repository) Get(ctx context.Context, id string) (*Schedule, error) {
	row, err := r.conn.QueryOne(ctx, "SELECT * FROM core_schedules WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("schedule %s: %w", id, core.ErrNotFound)
	}
	return r.rowToSchedule(row), nil
}

// GetByName returns one schedule by its unique name.
func (r *Repository) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row, err := r.conn.QueryOne(ctx, "SELECT * FROM core_schedules WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("schedule %s: %w", name, core.ErrNotFound)
	}
	return r.rowToSchedule(row), nil
}

// List returns schedules matching the filter, by name.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Schedule, error) {
	var conds []string
	var args []interface{}
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if f.TargetType != "" {
		conds = append(conds, "target_type = ?")
		args = append(args, string(f.TargetType))
	}
	query := "SELECT * FROM core_schedules"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.rowToSchedule(row))
	}
	return out, nil
}

// Update rewrites the mutable fields under optimistic concurrency:
// the caller's Version must match the row, and the stored version is
// bumped. next_run_at is recomputed from now, so cadence edits take
// effect immediately.
func (r *Repository) Update(ctx context.Context, s *Schedule) (*Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := ComputeNextRun(s, now)
	if err != nil {
		return nil, err
	}

	d := r.conn.Dialect()
	res, err := r.conn.Execute(ctx,
		`UPDATE core_schedules SET
			target_type = ?, target_name = ?, schedule_type = ?,
			cron_expression = ?, interval_seconds = ?, timezone = ?,
			enabled = ?, misfire_grace_seconds = ?, params = ?,
			next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(s.TargetType), s.TargetName, string(s.ScheduleType),
		s.CronExpression, s.IntervalSeconds, s.Timezone,
		boolInt(s.Enabled), s.MisfireGraceSeconds, store.EncodeJSON(s.Params),
		d.FormatTime(next), d.FormatTime(now),
		s.ID, s.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.Get(ctx, s.ID); gerr != nil {
			return nil, gerr
		}
		return nil, core.Errorf(core.CategoryConflict,
			"schedule %s was modified concurrently (version %d is stale)", s.ID, s.Version)
	}
	return r.Get(ctx, s.ID)
}

// SetEnabled flips the enabled flag. Enabling recomputes next_run_at
// from now so a long-disabled schedule does not come back as a pile of
// misfires.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	d := r.conn.Dialect()
	now := time.Now().UTC()

	if enabled {
		s, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		next, err := ComputeNextRun(s, now)
		if err != nil {
			return err
		}
		_, err = r.conn.Execute(ctx,
			`UPDATE core_schedules SET enabled = 1, next_run_at = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			d.FormatTime(next), d.FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to enable schedule: %w", err)
		}
		return nil
	}

	res, err := r.conn.Execute(ctx,
		`UPDATE core_schedules SET enabled = 0, version = version + 1, updated_at = ? WHERE id = ?`,
		d.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to disable schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Delete removes a schedule.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.conn.Execute(ctx, "DELETE FROM core_schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Due returns enabled schedules whose next_run_at has passed, oldest
// first, capped at limit.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT * FROM core_schedules WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at LIMIT %d", limit),
		r.conn.Dialect().FormatTime(now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.rowToSchedule(row))
	}
	return out, nil
}

// MarkFired stamps the outcome of a dispatch attempt and advances
// next_run_at.
func (r *Repository) MarkFired(ctx context.Context, id string, at time.Time, execID, status string, nextRun time.Time) error {
	d := r.conn.Dialect()
	res, err := r.conn.Execute(ctx,
		`UPDATE core_schedules SET
			last_run_at = ?, last_run_status = ?, last_run_execution_id = ?,
			next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		d.FormatTime(at.UTC()), status, execID,
		d.FormatTime(nextRun.UTC()), d.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Advance moves next_run_at without recording a run. Used when a
// misfire is skipped past.
func (r *Repository) Advance(ctx context.Context, id, status string, nextRun time.Time) error {
	d := r.conn.Dialect()
	res, err := r.conn.Execute(ctx,
		`UPDATE core_schedules SET last_run_status = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		status, d.FormatTime(nextRun.UTC()), d.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (r *Repository) rowToSchedule(row map[string]interface{}) *Schedule {
	d := r.conn.Dialect()
	return &Schedule{
		ID:                  store.AsString(row, "id"),
		Name:                store.AsString(row, "name"),
		TargetType:          TargetType(store.AsString(row, "target_type")),
		TargetName:          store.AsString(row, "target_name"),
		ScheduleType:        ScheduleType(store.AsString(row, "schedule_type")),
		CronExpression:      store.AsString(row, "cron_expression"),
		IntervalSeconds:     store.AsInt(row, "interval_seconds"),
		Timezone:            store.AsString(row, "timezone"),
		Enabled:             store.AsBool(row, "enabled"),
		MisfireGraceSeconds: store.AsInt(row, "misfire_grace_seconds"),
		NextRunAt:           store.AsTimePtr(d, row, "next_run_at"),
		LastRunAt:           store.AsTimePtr(d, row, "last_run_at"),
		LastRunStatus:       store.AsString(row, "last_run_status"),
		LastRunExecutionID:  store.AsString(row, "last_run_execution_id"),
		Params:              store.AsMap(row, "params"),
		Version:             store.AsInt(row, "version"),
		CreatedBy:           store.AsString(row, "created_by"),
		CreatedAt:           store.AsTime(d, row, "created_at"),
		UpdatedAt:           store.AsTime(d, row, "updated_at"),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

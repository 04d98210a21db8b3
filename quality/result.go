// Package quality records data-quality outcomes: check results,
// rejected rows, and metric anomalies. All three tables are
// append-only; nothing in this package updates or deletes a row.
package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Status is a check outcome. WARN records a concern without gating;
// FAIL is what HasFailures and gating decisions look at.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Result is one recorded check outcome.
type Result struct {
	ID          string    `json:"id" db:"id"`
	CheckName   string    `json:"check_name" db:"check_name"`
	Status      Status    `json:"status" db:"status"`
	Message     string    `json:"message,omitempty" db:"message"`
	Actual      string    `json:"actual,omitempty" db:"actual"`
	Expected    string    `json:"expected,omitempty" db:"expected"`
	Domain      string    `json:"domain,omitempty" db:"domain"`
	Table       string    `json:"table,omitempty" db:"table_name"`
	ExecutionID string    `json:"execution_id,omitempty" db:"execution_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Pass builds a passing result.
func Pass(check, message string) Result {
	return Result{CheckName: check, Status: StatusPass, Message: message}
}

// Warn builds a warning result.
func Warn(check, message string) Result {
	return Result{CheckName: check, Status: StatusWarn, Message: message}
}

// Failed builds a failing result with the observed and expected values.
func Failed(check, message, actual, expected string) Result {
	return Result{CheckName: check, Status: StatusFail, Message: message, Actual: actual, Expected: expected}
}

// ResultFilter narrows List.
type ResultFilter struct {
	Status      Status
	CheckName   string
	Domain      string
	Table       string
	ExecutionID string
	Limit       int
	Offset      int
}

// Recorder persists quality results.
type Recorder struct {
	conn   *store.Connection
	logger core.Logger
}

// NewRecorder creates a recorder over a connection.
func NewRecorder(conn *store.Connection, logger core.Logger) *Recorder {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Recorder{conn: conn, logger: logger}
}

// Record appends one result. The check name and a known status are
// required; id and created_at are stamped here.
func (r *Recorder) Record(ctx context.Context, res Result) (*Result, error) {
	if res.CheckName == "" {
		return nil, core.NewError(core.CategoryValidation, "quality result check_name is required")
	}
	switch res.Status {
	case StatusPass, StatusWarn, StatusFail:
	default:
		return nil, core.Errorf(core.CategoryValidation, "unknown quality status %q", res.Status)
	}

	res.ID = core.NewID()
	res.CreatedAt = time.Now().UTC()
	err := store.NewRepository(r.conn).Insert(ctx, "core_quality_results", map[string]interface{}{
		"id":           res.ID,
		"check_name":   res.CheckName,
		"status":       string(res.Status),
		"message":      res.Message,
		"actual":       res.Actual,
		"expected":     res.Expected,
		"domain":       res.Domain,
		"table_name":   res.Table,
		"execution_id": res.ExecutionID,
		"created_at":   res.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record quality result: %w", err)
	}

	if res.Status == StatusFail {
		r.logger.Warn("quality check failed", map[string]interface{}{
			"check":        res.CheckName,
			"message":      res.Message,
			"actual":       res.Actual,
			"expected":     res.Expected,
			"table":        res.Table,
			"execution_id": res.ExecutionID,
		})
	}
	return &res, nil
}

// List returns results matching the filter, newest first.
func (r *Recorder) List(ctx context.Context, f ResultFilter) ([]*Result, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.CheckName != "" {
		add("check_name = ?", f.CheckName)
	}
	if f.Domain != "" {
		add("domain = ?", f.Domain)
	}
	if f.Table != "" {
		add("table_name = ?", f.Table)
	}
	if f.ExecutionID != "" {
		add("execution_id = ?", f.ExecutionID)
	}
	query := "SELECT * FROM core_quality_results"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quality results: %w", err)
	}
	out := make([]*Result, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToResult(r.conn, row))
	}
	return out, nil
}

// ListByExecution returns every result recorded under a run, oldest
// first, the order the checks ran in.
func (r *Recorder) ListByExecution(ctx context.Context, executionID string) ([]*Result, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT * FROM core_quality_results WHERE execution_id = ? ORDER BY created_at, id", executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quality results: %w", err)
	}
	out := make([]*Result, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToResult(r.conn, row))
	}
	return out, nil
}

func rowToResult(conn *store.Connection, row map[string]interface{}) *Result {
	return &Result{
		ID:          store.AsString(row, "id"),
		CheckName:   store.AsString(row, "check_name"),
		Status:      Status(store.AsString(row, "status")),
		Message:     store.AsString(row, "message"),
		Actual:      store.AsString(row, "actual"),
		Expected:    store.AsString(row, "expected"),
		Domain:      store.AsString(row, "domain"),
		Table:       store.AsString(row, "table_name"),
		ExecutionID: store.AsString(row, "execution_id"),
		CreatedAt:   store.AsTime(conn.Dialect(), row, "created_at"),
	}
}

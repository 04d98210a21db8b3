// Package dlq records permanently failed executions for manual review.
// Rows are never deleted; resolution only stamps resolved_at.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// DeadLetter is one parked failure.
type DeadLetter struct {
	ID          string                 `json:"id" db:"id"`
	ExecutionID string                 `json:"execution_id" db:"execution_id"`
	Workflow    string                 `json:"workflow" db:"workflow"`
	Params      map[string]interface{} `json:"params,omitempty" db:"params"`
	Error       string                 `json:"error,omitempty" db:"error"`
	RetryCount  int                    `json:"retry_count" db:"retry_count"`
	MaxRetries  int                    `json:"max_retries" db:"max_retries"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	LastRetryAt *time.Time             `json:"last_retry_at,omitempty" db:"last_retry_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy  string                 `json:"resolved_by,omitempty" db:"resolved_by"`
}

// CanRetry reports whether the entry is still eligible for resubmission.
func (d *DeadLetter) CanRetry() bool {
	return d.ResolvedAt == nil && d.RetryCount < d.MaxRetries
}

// Filter narrows List and Count.
type Filter struct {
	Workflow string
	Resolved *bool
	Limit    int
	Offset   int
}

// Queue is the dead-letter repository.
type Queue struct {
	conn   *store.Connection
	logger core.Logger
}

// New creates a queue over a connection.
func New(conn *store.Connection, logger core.Logger) *Queue {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Queue{conn: conn, logger: logger}
}

// Add parks a failed execution.
func (q *Queue) Add(ctx context.Context, execID, workflow string, params map[string]interface{}, errMsg string, retryCount, maxRetries int) (*DeadLetter, error) {
	entry := &DeadLetter{
		ID:          core.NewID(),
		ExecutionID: execID,
		Workflow:    workflow,
		Params:      params,
		Error:       errMsg,
		RetryCount:  retryCount,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now().UTC(),
	}

	err := store.NewRepository(q.conn).Insert(ctx, "core_dead_letters", map[string]interface{}{
		"id":           entry.ID,
		"execution_id": entry.ExecutionID,
		"workflow":     entry.Workflow,
		"params":       store.EncodeJSON(entry.Params),
		"error":        entry.Error,
		"retry_count":  entry.RetryCount,
		"max_retries":  entry.MaxRetries,
		"created_at":   entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add dead letter: %w", err)
	}

	q.logger.Warn("execution dead-lettered", map[string]interface{}{
		"dlq_id":       entry.ID,
		"execution_id": execID,
		"workflow":     workflow,
		"error":        errMsg,
	})
	return entry, nil
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*DeadLetter, error) {
	row, err := q.conn.QueryOne(ctx, "SELECT * FROM core_dead_letters WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("dead letter %s: %w", id, core.ErrNotFound)
	}
	return q.rowToEntry(row), nil
}

// CanRetry reports whether an entry can be resubmitted.
func (q *Queue) CanRetry(ctx context.Context, id string) (bool, error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return entry.CanRetry(), nil
}

// MarkRetryAttempted bumps retry_count and stamps last_retry_at.
func (q *Queue) MarkRetryAttempted(ctx context.Context, id string) error {
	res, err := q.conn.Execute(ctx,
		"UPDATE core_dead_letters SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?",
		q.conn.Dialect().FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry attempted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Resolve closes an entry. Resolving twice keeps the first resolution.
func (q *Queue) Resolve(ctx context.Context, id, resolvedBy string) error {
	res, err := q.conn.Execute(ctx,
		"UPDATE core_dead_letters SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL",
		q.conn.Dialect().FormatTime(time.Now().UTC()), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		// Already resolved.
		return nil
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*DeadLetter, error) {
	where, args := f.build()
	query := "SELECT * FROM core_dead_letters" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	entries := make([]*DeadLetter, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, q.rowToEntry(row))
	}
	return entries, nil
}

// Count returns how many entries match the filter.
func (q *Queue) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.build()
	row, err := q.conn.QueryOne(ctx, "SELECT COUNT(*) AS n FROM core_dead_letters"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return store.AsInt(row, "n"), nil
}

func (f Filter) build() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			conds = append(conds, "resolved_at IS NOT NULL")
		} else {
			conds = append(conds, "resolved_at IS NULL")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q *Queue) rowToEntry(row map[string]interface{}) *DeadLetter {
	d := q.conn.Dialect()
	return &DeadLetter{
		ID:          store.AsString(row, "id"),
		ExecutionID: store.AsString(row, "execution_id"),
		Workflow:    store.AsString(row, "workflow"),
		Params:      store.AsMap(row, "params"),
		Error:       store.AsString(row, "error"),
		RetryCount:  store.AsInt(row, "retry_count"),
		MaxRetries:  store.AsInt(row, "max_retries"),
		CreatedAt:   store.AsTime(d, row, "created_at"),
		LastRetryAt: store.AsTimePtr(d, row, "last_retry_at"),
		ResolvedAt:  store.AsTimePtr(d, row, "resolved_at"),
		ResolvedBy:  store.AsString(row, "resolved_by"),
	}
}

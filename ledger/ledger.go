// Package ledger persists executions and their append-only event
// streams. Every status transition and its event are written in a
// single transaction, so the run history can never disagree with the
// run state.
package ledger

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

// Ledger is the execution store API.
type Ledger struct {
	conn   *store.Connection
	logger core.Logger
}

// New creates a ledger over a connection.
func New(conn *store.Connection, logger core.Logger) *Ledger {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Ledger{conn: conn, logger: logger}
}

// StatusUpdate carries the optional payload of a status transition.
type StatusUpdate struct {
	Result    map[string]interface{}
	Error     string
	EventData map[string]interface{}
}

// Filter narrows List and Count.
type Filter struct {
	Status        core.ExecutionStatus
	Workflow      string
	TriggerSource core.TriggerSource
	Lane          string
	ParentID      string
	Limit         int
	Offset        int
}

// Create inserts a PENDING execution and its CREATED event atomically.
// A duplicate idempotency key surfaces as core.ErrConflict.
func (l *Ledger) Create(ctx context.Context, exec *core.Execution) error {
	if exec.ID == "" {
		exec.ID = core.NewID()
	}
	if exec.Workflow == "" {
		return core.NewError(core.CategoryValidation, "execution workflow is required")
	}
	if exec.Status == "" {
		exec.Status = core.StatusPending
	}
	if exec.Lane == "" {
		exec.Lane = core.DefaultLane
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	err := l.conn.WithTx(ctx, func(tx *store.Tx) error {
		if err := store.InsertTx(ctx, tx, "core_executions", l.execToRow(exec)); err != nil {
			return err
		}
		_, err := l.insertEvent(ctx, tx, exec.ID, core.EventCreated, map[string]interface{}{
			"workflow":       exec.Workflow,
			"trigger_source": string(exec.TriggerSource),
		})
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q already in use: %w", exec.IdempotencyKey, core.ErrConflict)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}

	l.logger.Debug("execution created", map[string]interface{}{
		"execution_id": exec.ID,
		"workflow":     exec.Workflow,
		"lane":         exec.Lane,
	})
	return nil
}

// Get returns an execution by id.
func (l *Ledger) Get(ctx context.Context, id string) (*core.Execution, error) {
	row, err := l.conn.QueryOne(ctx, "SELECT * FROM core_executions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	return l.rowToExecution(row), nil
}

// GetByIdempotencyKey returns the execution holding a key, or nil when
// no row carries it. FAILED and DLQ rows have released their key and
// are not holders; the partial unique index guarantees at most one
// holder per key.
func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*core.Execution, error) {
	if key == "" {
		return nil, nil
	}
	row, err := l.conn.QueryOne(ctx,
		"SELECT * FROM core_executions WHERE idempotency_key = ? AND status NOT IN ('FAILED', 'DLQ')", key)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution by idempotency key: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return l.rowToExecution(row), nil
}

// UpdateStatus moves an execution along the transition DAG and records
// the matching event in the same transaction. started_at is stamped on
// entry to RUNNING, completed_at when the run reaches an end state.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status core.ExecutionStatus, upd *StatusUpdate) error {
	if upd == nil {
		upd = &StatusUpdate{}
	}

	err := l.conn.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.QueryOne(ctx, "SELECT status, started_at, completed_at FROM core_executions WHERE id = ?", id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
		}

		current := core.ExecutionStatus(store.AsString(row, "status"))
		if !current.CanTransitionTo(status) {
			return fmt.Errorf("execution %s: %s -> %s: %w", id, current, status, core.ErrInvalidTransition)
		}

		now := time.Now().UTC()
		sets := []string{"status = ?"}
		args := []interface{}{string(status)}

		if status == core.StatusRunning && store.AsString(row, "started_at") == "" {
			sets = append(sets, "started_at = ?")
			args = append(args, l.conn.Dialect().FormatTime(now))
		}
		if (status.IsTerminal() || status == core.StatusFailed) && store.AsString(row, "completed_at") == "" {
			sets = append(sets, "completed_at = ?")
			args = append(args, l.conn.Dialect().FormatTime(now))
		}
		if upd.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, store.EncodeJSON(upd.Result))
		}
		if upd.Error != "" {
			sets = append(sets, "error = ?")
			args = append(args, upd.Error)
		}
		args = append(args, id)

		query := fmt.Sprintf("UPDATE core_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
		if _, err := tx.Execute(ctx, query, args...); err != nil {
			return err
		}

		data := map[string]interface{}{}
		for k, v := range upd.EventData {
			data[k] = v
		}
		if upd.Error != "" {
			data["error"] = upd.Error
		}
		_, err = l.insertEvent(ctx, tx, id, core.EventForStatus(status), data)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	l.logger.Debug("execution status updated", map[string]interface{}{
		"execution_id": id,
		"status":       string(status),
	})
	return nil
}

// SetExecutorRef stores the executor's submission ref on the row.
func (l *Ledger) SetExecutorRef(ctx context.Context, id, ref string) error {
	res, err := l.conn.Execute(ctx, "UPDATE core_executions SET executor_ref = ? WHERE id = ?", ref, id)
	if err != nil {
		return fmt.Errorf("failed to set executor ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (l *Ledger) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := l.conn.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Execute(ctx, "UPDATE core_executions SET retry_count = retry_count + 1 WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
		}
		row, err := tx.QueryOne(ctx, "SELECT retry_count FROM core_executions WHERE id = ?", id)
		if err != nil {
			return err
		}
		count = store.AsInt(row, "retry_count")
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

// RecordEvent appends an event outside a status transition, e.g.
// PROGRESS markers from a running handler.
func (l *Ledger) RecordEvent(ctx context.Context, id, eventType string, data map[string]interface{}) error {
	err := l.conn.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.QueryOne(ctx, "SELECT id FROM core_executions WHERE id = ?", id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
		}
		_, err = l.insertEvent(ctx, tx, id, eventType, data)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// List returns executions matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*core.Execution, error) {
	where, args := f.build()
	query := "SELECT * FROM core_executions" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	execs := make([]*core.Execution, 0, len(rows))
	for _, row := range rows {
		execs = append(execs, l.rowToExecution(row))
	}
	return execs, nil
}

// Count returns how many executions match the filter.
func (l *Ledger) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.build()
	row, err := l.conn.QueryOne(ctx, "SELECT COUNT(*) AS n FROM core_executions"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return store.AsInt(row, "n"), nil
}

// ListEvents returns a run's events with seq greater than sinceSeq,
// in order. Pass 0 for the full stream.
func (l *Ledger) ListEvents(ctx context.Context, id string, sinceSeq int) ([]*core.ExecutionEvent, error) {
	rows, err := l.conn.Query(ctx,
		"SELECT * FROM core_execution_events WHERE execution_id = ? AND seq > ? ORDER BY seq", id, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*core.ExecutionEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, l.rowToEvent(row))
	}
	return events, nil
}

func (f Filter) build() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.TriggerSource != "" {
		conds = append(conds, "trigger_source = ?")
		args = append(args, string(f.TriggerSource))
	}
	if f.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, f.Lane)
	}
	if f.ParentID != "" {
		conds = append(conds, "parent_execution_id = ?")
		args = append(args, f.ParentID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// insertEvent appends an event with the run's next seq. Callers hold
// the transaction, which is what keeps seq assignment race-free.
func (l *Ledger) insertEvent(ctx context.Context, tx *store.Tx, execID, eventType string, data map[string]interface{}) (int, error) {
	row, err := tx.QueryOne(ctx,
		"SELECT COALESCE(MAX(seq), 0) AS max_seq FROM core_execution_events WHERE execution_id = ?", execID)
	if err != nil {
		return 0, err
	}
	seq := store.AsInt(row, "max_seq") + 1

	err = store.InsertTx(ctx, tx, "core_execution_events", map[string]interface{}{
		"id":           core.NewID(),
		"execution_id": execID,
		"seq":          seq,
		"event_type":   eventType,
		"timestamp":    time.Now().UTC(),
		"data":         store.EncodeJSON(data),
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *Ledger) execToRow(exec *core.Execution) map[string]interface{} {
	return map[string]interface{}{
		"id":                  exec.ID,
		"workflow":            exec.Workflow,
		"kind":                string(exec.Kind),
		"params":              store.EncodeJSON(exec.Params),
		"status":              string(exec.Status),
		"lane":                exec.Lane,
		"trigger_source":      string(exec.TriggerSource),
		"parent_execution_id": nullable(exec.ParentExecutionID),
		"correlation_id":      nullable(exec.CorrelationID),
		"executor_ref":        nullable(exec.ExecutorRef),
		"created_at":          exec.CreatedAt,
		"started_at":          exec.StartedAt,
		"completed_at":        exec.CompletedAt,
		"result":              store.EncodeJSON(exec.Result),
		"error":               nullable(exec.Error),
		"retry_count":         exec.RetryCount,
		"max_retries":         exec.MaxRetries,
		"idempotency_key":     nullable(exec.IdempotencyKey),
	}
}

func (l *Ledger) rowToExecution(row map[string]interface{}) *core.Execution {
	d := l.conn.Dialect()
	return &core.Execution{
		ID:                store.AsString(row, "id"),
		Workflow:          store.AsString(row, "workflow"),
		Kind:              core.WorkKind(store.AsString(row, "kind")),
		Params:            store.AsMap(row, "params"),
		Status:            core.ExecutionStatus(store.AsString(row, "status")),
		Lane:              store.AsString(row, "lane"),
		TriggerSource:     core.TriggerSource(store.AsString(row, "trigger_source")),
		ParentExecutionID: store.AsString(row, "parent_execution_id"),
		CorrelationID:     store.AsString(row, "correlation_id"),
		ExecutorRef:       store.AsString(row, "executor_ref"),
		CreatedAt:         store.AsTime(d, row, "created_at"),
		StartedAt:         store.AsTimePtr(d, row, "started_at"),
		CompletedAt:       store.AsTimePtr(d, row, "completed_at"),
		Result:            store.AsMap(row, "result"),
		Error:             store.AsString(row, "error"),
		RetryCount:        store.AsInt(row, "retry_count"),
		MaxRetries:        store.AsInt(row, "max_retries"),
		IdempotencyKey:    store.AsString(row, "idempotency_key"),
	}
}

func (l *Ledger) rowToEvent(row map[string]interface{}) *core.ExecutionEvent {
	return &core.ExecutionEvent{
		ID:          store.AsString(row, "id"),
		ExecutionID: store.AsString(row, "execution_id"),
		Seq:         store.AsInt(row, "seq"),
		EventType:   store.AsString(row, "event_type"),
		Timestamp:   store.AsTime(l.conn.Dialect(), row, "timestamp"),
		Data:        store.AsMap(row, "data"),
	}
}

// nullable maps "" to NULL so partial unique indexes see real NULLs.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

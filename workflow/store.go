package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// StepStatus is the terminal (or in-flight) state of one step row.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusCancelled StepStatus = "CANCELLED"
)

// StepRecord is one core_workflow_steps row.
type StepRecord struct {
	StepID       string                 `json:"step_id"`
	RunID        string                 `json:"run_id"`
	Workflow     string                 `json:"workflow"`
	PartitionKey string                 `json:"partition_key,omitempty"`
	StepName     string                 `json:"step_name"`
	StepType     StepType               `json:"step_type"`
	StepOrder    int                    `json:"step_order"`
	Status       StepStatus             `json:"status"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	DurationMS   int64                  `json:"duration_ms"`
	Result       interface{}            `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// StepStore persists per-run step records and serves the resume reads.
type StepStore struct {
	conn   *store.Connection
	logger core.Logger
}

// NewStepStore creates the store.
func NewStepStore(conn *store.Connection, logger core.Logger) *StepStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &StepStore{conn: conn, logger: logger}
}

// Begin inserts the RUNNING row before a step executes and returns its
// id for Finish.
func (s *StepStore) Begin(ctx context.Context, runID, workflowName, partitionKey string, step Step, order int) (string, error) {
	stepID := core.NewID()
	err := store.NewRepository(s.conn).Insert(ctx, "core_workflow_steps", map[string]interface{}{
		"step_id":       stepID,
		"run_id":        runID,
		"workflow":      workflowName,
		"partition_key": partitionKey,
		"step_name":     step.Name,
		"step_type":     string(step.Type),
		"step_order":    order,
		"status":        string(StepStatusRunning),
		"started_at":    time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to record step start: %w", err)
	}
	return stepID, nil
}

// StepFinish carries the terminal update for a started step.
type StepFinish struct {
	Status   StepStatus
	Output   interface{}
	Error    string
	Metrics  map[string]interface{}
	Duration time.Duration
}

// Finish closes a started row with its outcome.
func (s *StepStore) Finish(ctx context.Context, stepID string, fin StepFinish) error {
	res, err := s.conn.Execute(ctx,
		`UPDATE core_workflow_steps
		    SET status = ?, completed_at = ?, duration_ms = ?, result = ?, error = ?, metrics = ?
		  WHERE step_id = ?`,
		string(fin.Status),
		s.conn.Dialect().FormatTime(time.Now().UTC()),
		fin.Duration.Milliseconds(),
		store.EncodeJSON(fin.Output),
		fin.Error,
		store.EncodeJSON(fin.Metrics),
		stepID)
	if err != nil {
		return fmt.Errorf("failed to record step finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow step %s: %w", stepID, core.ErrNotFound)
	}
	return nil
}

// Mark inserts a terminal row for a step that never ran (SKIPPED, or
// CANCELLED before start). The reason lands in metrics.
func (s *StepStore) Mark(ctx context.Context, runID, workflowName, partitionKey string, step Step, order int, status StepStatus, reason string) error {
	now := time.Now().UTC()
	var metrics interface{}
	if reason != "" {
		metrics = map[string]interface{}{"reason": reason}
	}
	err := store.NewRepository(s.conn).Insert(ctx, "core_workflow_steps", map[string]interface{}{
		"step_id":       core.NewID(),
		"run_id":        runID,
		"workflow":      workflowName,
		"partition_key": partitionKey,
		"step_name":     step.Name,
		"step_type":     string(step.Type),
		"step_order":    order,
		"status":        string(status),
		"started_at":    now,
		"completed_at":  now,
		"duration_ms":   0,
		"metrics":       store.EncodeJSON(metrics),
	})
	if err != nil {
		return fmt.Errorf("failed to record %s step: %w", status, err)
	}
	return nil
}

// ListByRun returns a run's step rows ordered by step_order.
func (s *StepStore) ListByRun(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT * FROM core_workflow_steps WHERE run_id = ? ORDER BY step_order, started_at", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	out := make([]*StepRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.rowToRecord(row))
	}
	return out, nil
}

// CompletedOutputs returns the latest recorded output per step for a
// (workflow, partition key) pair. Re-executions use it to skip steps
// that already completed.
func (s *StepStore) CompletedOutputs(ctx context.Context, workflowName, partitionKey string) (map[string]interface{}, error) {
	if partitionKey == "" {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx,
		`SELECT step_name, result FROM core_workflow_steps
		  WHERE workflow = ? AND partition_key = ? AND status = ?
		  ORDER BY started_at`,
		workflowName, partitionKey, string(StepStatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to load completed steps: %w", err)
	}
	outputs := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		name := store.AsString(row, "step_name")
		outputs[name] = decodeResult(store.AsString(row, "result"))
	}
	return outputs, nil
}

// decodeResult tolerates any JSON shape in the result column. Steps
// store objects, MAP steps store lists.
func decodeResult(raw string) interface{} {
	if raw == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func (s *StepStore) rowToRecord(row map[string]interface{}) *StepRecord {
	d := s.conn.Dialect()
	return &StepRecord{
		StepID:       store.AsString(row, "step_id"),
		RunID:        store.AsString(row, "run_id"),
		Workflow:     store.AsString(row, "workflow"),
		PartitionKey: store.AsString(row, "partition_key"),
		StepName:     store.AsString(row, "step_name"),
		StepType:     StepType(store.AsString(row, "step_type")),
		StepOrder:    store.AsInt(row, "step_order"),
		Status:       StepStatus(store.AsString(row, "status")),
		StartedAt:    store.AsTimePtr(d, row, "started_at"),
		CompletedAt:  store.AsTimePtr(d, row, "completed_at"),
		DurationMS:   int64(store.AsInt(row, "duration_ms")),
		Result:       decodeResult(store.AsString(row, "result")),
		Error:        store.AsString(row, "error"),
		Metrics:      store.AsMap(row, "metrics"),
	}
}

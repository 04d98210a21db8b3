// Package manifest tracks how far each partition of a dataset has
// progressed through a declared sequence of processing stages. It backs
// resumable multi-stage pipelines: a stage that already ran for a
// partition can be skipped by checking IsAtLeast.
package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// DefaultStages is the stage ladder used when the caller declares none.
var DefaultStages = []string{"ingested", "validated", "transformed", "published"}

// Entry is one (domain, partition, stage) progression record.
type Entry struct {
	ID           string                 `json:"id" db:"id"`
	Domain       string                 `json:"domain" db:"domain"`
	PartitionKey string                 `json:"partition_key" db:"partition_key"`
	Stage        string                 `json:"stage" db:"stage"`
	StageRank    int                    `json:"stage_rank" db:"stage_rank"`
	RowCount     int                    `json:"row_count" db:"row_count"`
	Metrics      map[string]interface{} `json:"metrics,omitempty" db:"metrics_json"`
	ExecutionID  string                 `json:"execution_id,omitempty" db:"execution_id"`
	BatchID      string                 `json:"batch_id,omitempty" db:"batch_id"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// Tracker reads and advances manifests against a declared stage list.
type Tracker struct {
	conn   *store.Connection
	logger core.Logger
	stages []string
	ranks  map[string]int
}

// New creates a tracker. A nil stage list uses DefaultStages.
func New(conn *store.Connection, logger core.Logger, stages []string) *Tracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if len(stages) == 0 {
		stages = DefaultStages
	}
	ranks := make(map[string]int, len(stages))
	for i, s := range stages {
		ranks[s] = i + 1
	}
	return &Tracker{conn: conn, logger: logger, stages: stages, ranks: ranks}
}

// Stages returns the declared ladder in order.
func (t *Tracker) Stages() []string {
	out := make([]string, len(t.stages))
	copy(out, t.stages)
	return out
}

// StageRank returns the 1-based rank of a stage.
func (t *Tracker) StageRank(stage string) (int, bool) {
	r, ok := t.ranks[stage]
	return r, ok
}

// Upsert records that a partition reached a stage, updating the
// existing (domain, partition, stage) row when present.
func (t *Tracker) Upsert(ctx context.Context, e *Entry) error {
	rank, ok := t.ranks[e.Stage]
	if !ok {
		return core.Errorf(core.CategoryValidation, "unknown manifest stage %q", e.Stage)
	}
	e.StageRank = rank
	e.UpdatedAt = time.Now().UTC()

	res, err := t.conn.Execute(ctx,
		`UPDATE core_manifests
		SET stage_rank = ?, row_count = ?, metrics_json = ?, execution_id = ?, batch_id = ?, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND stage = ?`,
		rank, e.RowCount, store.EncodeJSON(e.Metrics), e.ExecutionID, e.BatchID,
		t.conn.Dialect().FormatTime(e.UpdatedAt),
		e.Domain, e.PartitionKey, e.Stage)
	if err != nil {
		return fmt.Errorf("failed to update manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if e.ID == "" {
		e.ID = core.NewID()
	}
	err = store.NewRepository(t.conn).Insert(ctx, "core_manifests", map[string]interface{}{
		"id":            e.ID,
		"domain":        e.Domain,
		"partition_key": e.PartitionKey,
		"stage":         e.Stage,
		"stage_rank":    rank,
		"row_count":     e.RowCount,
		"metrics_json":  store.EncodeJSON(e.Metrics),
		"execution_id":  e.ExecutionID,
		"batch_id":      e.BatchID,
		"updated_at":    e.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}

	t.logger.Debug("manifest stage recorded", map[string]interface{}{
		"domain":        e.Domain,
		"partition_key": e.PartitionKey,
		"stage":         e.Stage,
		"row_count":     e.RowCount,
	})
	return nil
}

// Get returns the record for one (domain, partition, stage).
func (t *Tracker) Get(ctx context.Context, domain, partitionKey, stage string) (*Entry, error) {
	row, err := t.conn.QueryOne(ctx,
		"SELECT * FROM core_manifests WHERE domain = ? AND partition_key = ? AND stage = ?",
		domain, partitionKey, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("manifest %s/%s/%s: %w", domain, partitionKey, stage, core.ErrNotFound)
	}
	return t.rowToEntry(row), nil
}

// Latest returns the highest-ranked stage a partition has reached, or
// nil when the partition has no manifest rows.
func (t *Tracker) Latest(ctx context.Context, domain, partitionKey string) (*Entry, error) {
	row, err := t.conn.QueryOne(ctx,
		`SELECT * FROM core_manifests WHERE domain = ? AND partition_key = ?
		ORDER BY stage_rank DESC LIMIT 1`,
		domain, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest manifest: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return t.rowToEntry(row), nil
}

// IsAtLeast reports whether the partition has reached the given stage
// (or a later one).
func (t *Tracker) IsAtLeast(ctx context.Context, domain, partitionKey, stage string) (bool, error) {
	rank, ok := t.ranks[stage]
	if !ok {
		return false, core.Errorf(core.CategoryValidation, "unknown manifest stage %q", stage)
	}
	latest, err := t.Latest(ctx, domain, partitionKey)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.StageRank >= rank, nil
}

// List returns all stage rows for a partition in ladder order.
func (t *Tracker) List(ctx context.Context, domain, partitionKey string) ([]*Entry, error) {
	rows, err := t.conn.Query(ctx,
		"SELECT * FROM core_manifests WHERE domain = ? AND partition_key = ? ORDER BY stage_rank",
		domain, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, t.rowToEntry(row))
	}
	return entries, nil
}

func (t *Tracker) rowToEntry(row map[string]interface{}) *Entry {
	return &Entry{
		ID:           store.AsString(row, "id"),
		Domain:       store.AsString(row, "domain"),
		PartitionKey: store.AsString(row, "partition_key"),
		Stage:        store.AsString(row, "stage"),
		StageRank:    store.AsInt(row, "stage_rank"),
		RowCount:     store.AsInt(row, "row_count"),
		Metrics:      store.AsMap(row, "metrics_json"),
		ExecutionID:  store.AsString(row, "execution_id"),
		BatchID:      store.AsString(row, "batch_id"),
		UpdatedAt:    store.AsTime(t.conn.Dialect(), row, "updated_at"),
	}
}

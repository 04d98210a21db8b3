package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Reject is one row that failed validation during a load, kept with
// enough context to re-examine it.
type Reject struct {
	ID          string                 `json:"id" db:"id"`
	Domain      string                 `json:"domain,omitempty" db:"domain"`
	Table       string                 `json:"table,omitempty" db:"table_name"`
	RowData     map[string]interface{} `json:"row_data,omitempty" db:"row_data"`
	Reason      string                 `json:"reason" db:"reason"`
	ExecutionID string                 `json:"execution_id,omitempty" db:"execution_id"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// RejectFilter narrows List and Count.
type RejectFilter struct {
	Domain      string
	Table       string
	ExecutionID string
	Limit       int
	Offset      int
}

// Rejects is the append-only reject store.
type Rejects struct {
	conn   *store.Connection
	logger core.Logger
}

// NewRejects creates a reject store over a connection.
func NewRejects(conn *store.Connection, logger core.Logger) *Rejects {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Rejects{conn: conn, logger: logger}
}

// Record appends one rejected row. A reason is required.
func (r *Rejects) Record(ctx context.Context, reject Reject) (*Reject, error) {
	if reject.Reason == "" {
		return nil, core.NewError(core.CategoryValidation, "reject reason is required")
	}
	reject.ID = core.NewID()
	reject.CreatedAt = time.Now().UTC()

	err := store.NewRepository(r.conn).Insert(ctx, "core_rejects", map[string]interface{}{
		"id":           reject.ID,
		"domain":       reject.Domain,
		"table_name":   reject.Table,
		"row_data":     store.EncodeJSON(reject.RowData),
		"reason":       reject.Reason,
		"execution_id": reject.ExecutionID,
		"created_at":   reject.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record reject: %w", err)
	}
	return &reject, nil
}

// List returns rejects matching the filter, newest first.
func (r *Rejects) List(ctx context.Context, f RejectFilter) ([]*Reject, error) {
	where, args := f.build()
	query := "SELECT * FROM core_rejects" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejects: %w", err)
	}
	out := make([]*Reject, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.rowToReject(row))
	}
	return out, nil
}

// Count returns how many rejects match the filter.
func (r *Rejects) Count(ctx context.Context, f RejectFilter) (int, error) {
	where, args := f.build()
	row, err := r.conn.QueryOne(ctx, "SELECT COUNT(*) AS n FROM core_rejects"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejects: %w", err)
	}
	return store.AsInt(row, "n"), nil
}

func (f RejectFilter) build() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *Rejects) rowToReject(row map[string]interface{}) *Reject {
	return &Reject{
		ID:          store.AsString(row, "id"),
		Domain:      store.AsString(row, "domain"),
		Table:       store.AsString(row, "table_name"),
		RowData:     store.AsMap(row, "row_data"),
		Reason:      store.AsString(row, "reason"),
		ExecutionID: store.AsString(row, "execution_id"),
		CreatedAt:   store.AsTime(r.conn.Dialect(), row, "created_at"),
	}
}

package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Anomaly severities, ordered by concern.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Anomaly is one metric observation that strayed from its expectation.
type Anomaly struct {
	ID          string    `json:"id" db:"id"`
	Domain      string    `json:"domain,omitempty" db:"domain"`
	Metric      string    `json:"metric" db:"metric"`
	Observed    float64   `json:"observed" db:"observed"`
	Expected    float64   `json:"expected" db:"expected"`
	Deviation   float64   `json:"deviation" db:"deviation"`
	Severity    string    `json:"severity" db:"severity"`
	ExecutionID string    `json:"execution_id,omitempty" db:"execution_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AnomalyFilter narrows List.
type AnomalyFilter struct {
	Domain      string
	Metric      string
	Severity    string
	ExecutionID string
	Limit       int
	Offset      int
}

// Anomalies is the append-only anomaly store.
type Anomalies struct {
	conn   *store.Connection
	logger core.Logger
}

// NewAnomalies creates an anomaly store over a connection.
func NewAnomalies(conn *store.Connection, logger core.Logger) *Anomalies {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Anomalies{conn: conn, logger: logger}
}

// Record appends one anomaly. When Deviation is zero and Expected is
// not, the relative deviation |observed-expected|/|expected| is filled
// in. Severity defaults to WARNING.
func (a *Anomalies) Record(ctx context.Context, anomaly Anomaly) (*Anomaly, error) {
	if anomaly.Metric == "" {
		return nil, core.NewError(core.CategoryValidation, "anomaly metric is required")
	}
	if anomaly.Severity == "" {
		anomaly.Severity = SeverityWarning
	}
	switch anomaly.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return nil, core.Errorf(core.CategoryValidation, "unknown anomaly severity %q", anomaly.Severity)
	}
	if anomaly.Deviation == 0 && anomaly.Expected != 0 {
		anomaly.Deviation = math.Abs(anomaly.Observed-anomaly.Expected) / math.Abs(anomaly.Expected)
	}
	anomaly.ID = core.NewID()
	anomaly.CreatedAt = time.Now().UTC()

	err := store.NewRepository(a.conn).Insert(ctx, "core_anomalies", map[string]interface{}{
		"id":           anomaly.ID,
		"domain":       anomaly.Domain,
		"metric":       anomaly.Metric,
		"observed":     anomaly.Observed,
		"expected":     anomaly.Expected,
		"deviation":    anomaly.Deviation,
		"severity":     anomaly.Severity,
		"execution_id": anomaly.ExecutionID,
		"created_at":   anomaly.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record anomaly: %w", err)
	}

	a.logger.Warn("metric anomaly recorded", map[string]interface{}{
		"metric":    anomaly.Metric,
		"observed":  anomaly.Observed,
		"expected":  anomaly.Expected,
		"deviation": anomaly.Deviation,
		"severity":  anomaly.Severity,
	})
	return &anomaly, nil
}

// List returns anomalies matching the filter, newest first.
func (a *Anomalies) List(ctx context.Context, f AnomalyFilter) ([]*Anomaly, error) {
	var conds []string
	var args []interface{}
	if f.Domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, f.Metric)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	query := "SELECT * FROM core_anomalies"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	out := make([]*Anomaly, 0, len(rows))
	for _, row := range rows {
		out = append(out, a.rowToAnomaly(row))
	}
	return out, nil
}

func (a *Anomalies) rowToAnomaly(row map[string]interface{}) *Anomaly {
	return &Anomaly{
		ID:          store.AsString(row, "id"),
		Domain:      store.AsString(row, "domain"),
		Metric:      store.AsString(row, "metric"),
		Observed:    store.AsFloat(row, "observed"),
		Expected:    store.AsFloat(row, "expected"),
		Deviation:   store.AsFloat(row, "deviation"),
		Severity:    store.AsString(row, "severity"),
		ExecutionID: store.AsString(row, "execution_id"),
		CreatedAt:   store.AsTime(a.conn.Dialect(), row, "created_at"),
	}
}

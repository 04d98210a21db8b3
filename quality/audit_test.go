package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestRejectRoundTrip(t *testing.T) {
	rejects := NewRejects(newTestConn(t), nil)
	ctx := context.Background()

	_, err := rejects.Record(ctx, Reject{Domain: "filings"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	first, err := rejects.Record(ctx, Reject{
		Domain:      "filings",
		Table:       "weekly_filings",
		RowData:     map[string]interface{}{"cik": "0000320193", "form": ""},
		Reason:      "form is empty",
		ExecutionID: "exec-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := rejects.Record(ctx, Reject{
		Domain:      "filings",
		Table:       "weekly_filings",
		Reason:      "filed_at is not a date",
		ExecutionID: "exec-2",
	})
	require.NoError(t, err)

	all, err := rejects.List(ctx, RejectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	byRun, err := rejects.List(ctx, RejectFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "form is empty", byRun[0].Reason)
	assert.Equal(t, "0000320193", byRun[0].RowData["cik"])

	n, err := rejects.Count(ctx, RejectFilter{Table: "weekly_filings"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = rejects.Count(ctx, RejectFilter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnomalyDeviationComputed(t *testing.T) {
	anomalies := NewAnomalies(newTestConn(t), nil)
	ctx := context.Background()

	rec, err := anomalies.Record(ctx, Anomaly{
		Domain:      "filings",
		Metric:      "weekly_row_count",
		Observed:    60,
		Expected:    100,
		ExecutionID: "exec-1",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, rec.Deviation, 1e-9)
	assert.Equal(t, SeverityWarning, rec.Severity, "severity defaults to WARNING")

	explicit, err := anomalies.Record(ctx, Anomaly{
		Metric:    "latency_p99",
		Observed:  2.0,
		Expected:  1.0,
		Deviation: 3.5,
		Severity:  SeverityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.5, explicit.Deviation, "explicit deviation is kept")

	noBaseline, err := anomalies.Record(ctx, Anomaly{Metric: "new_metric", Observed: 5})
	require.NoError(t, err)
	assert.Zero(t, noBaseline.Deviation, "no expectation, no relative deviation")

	critical, err := anomalies.List(ctx, AnomalyFilter{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "latency_p99", critical[0].Metric)

	all, err := anomalies.List(ctx, AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new_metric", all[0].Metric, "newest first")

	byMetric, err := anomalies.List(ctx, AnomalyFilter{Metric: "weekly_row_count"})
	require.NoError(t, err)
	require.Len(t, byMetric, 1)
	assert.InDelta(t, 60, byMetric[0].Observed, 1e-9)
	assert.InDelta(t, 100, byMetric[0].Expected, 1e-9)
	assert.InDelta(t, 0.4, byMetric[0].Deviation, 1e-9)
}

func TestAnomalyValidation(t *testing.T) {
	anomalies := NewAnomalies(newTestConn(t), nil)
	ctx := context.Background()

	_, err := anomalies.Record(ctx, Anomaly{Observed: 1})
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	_, err = anomalies.Record(ctx, Anomaly{Metric: "x", Severity: "LOUD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown anomaly severity")
}

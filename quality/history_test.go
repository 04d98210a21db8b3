package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// seedWeeks creates a domain table and inserts one row per (week, form)
// pair, the shape the window gate scans in production.
func seedWeeks(t *testing.T, conn *store.Connection, pairs [][2]string) {
	t.Helper()
	ctx := context.Background()
	_, err := conn.Execute(ctx, `CREATE TABLE weekly_filings (
		week_ending VARCHAR(10) NOT NULL,
		form_type VARCHAR(10),
		row_count INTEGER
	)`)
	require.NoError(t, err)

	repo := store.NewRepository(conn)
	for _, p := range pairs {
		require.NoError(t, repo.Insert(ctx, "weekly_filings", map[string]interface{}{
			"week_ending": p[0],
			"form_type":   p[1],
			"row_count":   100,
		}))
	}
}

func TestHistoryWindowComplete(t *testing.T) {
	conn := newTestConn(t)
	seedWeeks(t, conn, [][2]string{
		{"2024-03-08", "10-K"},
		{"2024-03-08", "10-Q"}, // duplicate week must not confuse the count
		{"2024-03-01", "10-K"},
		{"2024-02-23", "10-K"},
	})

	rec := NewRecorder(conn, nil)
	ok, missing, err := rec.RequireHistoryWindow(context.Background(), "weekly_filings",
		time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), 3, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestHistoryWindowReportsMissingWeeks(t *testing.T) {
	conn := newTestConn(t)
	seedWeeks(t, conn, [][2]string{
		{"2024-03-08", "10-K"},
		{"2024-02-23", "10-K"},
	})

	rec := NewRecorder(conn, nil)
	ok, missing, err := rec.RequireHistoryWindow(context.Background(), "weekly_filings",
		time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), 4, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"2024-02-16", "2024-03-01"}, missing, "missing weeks come back oldest first")
}

func TestHistoryWindowAppliesFilters(t *testing.T) {
	conn := newTestConn(t)
	seedWeeks(t, conn, [][2]string{
		{"2024-03-08", "10-K"},
		{"2024-03-01", "10-K"},
		{"2024-02-23", "10-K"},
		{"2024-03-08", "10-Q"},
		{"2024-02-23", "10-Q"},
	})

	rec := NewRecorder(conn, nil)
	weekEnding := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

	ok, _, err := rec.RequireHistoryWindow(context.Background(), "weekly_filings", weekEnding, 3, nil)
	require.NoError(t, err)
	assert.True(t, ok, "unfiltered scan sees all forms")

	ok, missing, err := rec.RequireHistoryWindow(context.Background(), "weekly_filings", weekEnding, 3,
		map[string]interface{}{"form_type": "10-Q"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"2024-03-01"}, missing)
}

func TestHistoryWindowRejectsBadInput(t *testing.T) {
	rec := NewRecorder(newTestConn(t), nil)
	ctx := context.Background()
	weekEnding := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

	_, _, err := rec.RequireHistoryWindow(ctx, "weekly_filings", weekEnding, 0, nil)
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	_, _, err = rec.RequireHistoryWindow(ctx, "weekly_filings; DROP TABLE x", weekEnding, 3, nil)
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	_, _, err = rec.RequireHistoryWindow(ctx, "weekly_filings", weekEnding, 3,
		map[string]interface{}{"form-type": "10-K"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter column")
}

func TestRunnerRecordsHistoryWindowOutcome(t *testing.T) {
	conn := newTestConn(t)
	seedWeeks(t, conn, [][2]string{
		{"2024-03-08", "10-K"},
	})

	rec := NewRecorder(conn, nil)
	runner := NewRunner(rec, "exec-7").ForTable("filings", "weekly_filings")
	ctx := context.Background()

	ok, missing, err := runner.RequireHistoryWindow(ctx, "weekly_filings",
		time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), 2, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"2024-03-01"}, missing)
	assert.True(t, runner.HasFailures())

	rows, err := rec.ListByExecution(ctx, "exec-7")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "history_window:weekly_filings", rows[0].CheckName)
	assert.Equal(t, StatusFail, rows[0].Status)
	assert.Contains(t, rows[0].Message, "missing 1 of 2 weeks")
	assert.Contains(t, rows[0].Actual, "2024-03-01")
	assert.Contains(t, rows[0].Expected, "2 consecutive weeks ending 2024-03-08")
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestConn(t *testing.T) *Connection {
	t.Helper()
	conn, err := Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func applySchema(t *testing.T, conn *Connection) *Schema {
	t.Helper()
	s := NewSchema(conn)
	require.NoError(t, s.Apply(context.Background()))
	return s
}

func TestSchemaApplyIdempotent(t *testing.T) {
	conn := openTestConn(t)
	s := applySchema(t, conn)

	// Second apply must be a clean no-op.
	require.NoError(t, s.Apply(context.Background()))

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)

	for _, want := range []string{
		"core_executions", "core_execution_events", "core_dead_letters",
		"core_locks", "core_manifests", "core_workflows", "core_workflow_steps",
		"core_schedules", "core_quality_results", "core_rejects",
		"core_anomalies", "core_alerts", "core_alert_channels",
		"core_alert_deliveries",
	} {
		assert.Contains(t, tables, want)
	}
}

func TestInsertQueryRoundTrip(t *testing.T) {
	conn := openTestConn(t)
	applySchema(t, conn)
	repo := NewRepository(conn)
	ctx := context.Background()

	created := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	err := repo.Insert(ctx, "core_executions", map[string]interface{}{
		"id":         "01HTEST00000000000000000RUN1",
		"workflow":   "weekly-etl",
		"kind":       "task",
		"params":     map[string]interface{}{"week": "2024-W11"},
		"status":     "PENDING",
		"lane":       "default",
		"created_at": created,
	})
	require.NoError(t, err)

	row, err := repo.QueryOne(ctx, "SELECT * FROM core_executions WHERE id = ?", "01HTEST00000000000000000RUN1")
	require.NoError(t, err)
	require.NotNil(t, row)

	assert.Equal(t, "weekly-etl", AsString(row, "workflow"))
	assert.Equal(t, "PENDING", AsString(row, "status"))
	assert.True(t, AsTime(conn.Dialect(), row, "created_at").Equal(created))
	assert.Equal(t, "2024-W11", AsMap(row, "params")["week"])
	assert.Equal(t, 3, AsInt(row, "max_retries"))
	assert.Nil(t, AsTimePtr(conn.Dialect(), row, "started_at"))
}

func TestIdempotencyKeyUniqueForActiveRows(t *testing.T) {
	conn := openTestConn(t)
	applySchema(t, conn)
	repo := NewRepository(conn)
	ctx := context.Background()

	base := map[string]interface{}{
		"workflow":   "weekly-etl",
		"status":     "PENDING",
		"created_at": time.Now().UTC(),
	}

	row := func(id string, key interface{}) map[string]interface{} {
		m := map[string]interface{}{"id": id, "idempotency_key": key}
		for k, v := range base {
			m[k] = v
		}
		return m
	}

	require.NoError(t, repo.Insert(ctx, "core_executions", row("run-1", "week-11")))

	// Same key again violates the partial unique index.
	err := repo.Insert(ctx, "core_executions", row("run-2", "week-11"))
	require.Error(t, err)

	// NULL keys never collide.
	require.NoError(t, repo.Insert(ctx, "core_executions", row("run-3", nil)))
	require.NoError(t, repo.Insert(ctx, "core_executions", row("run-4", nil)))
}

func TestEventSeqUniquePerRun(t *testing.T) {
	conn := openTestConn(t)
	applySchema(t, conn)
	repo := NewRepository(conn)
	ctx := context.Background()

	event := func(id, execID string, seq int) map[string]interface{} {
		return map[string]interface{}{
			"id":           id,
			"execution_id": execID,
			"seq":          seq,
			"event_type":   "PROGRESS",
			"timestamp":    time.Now().UTC(),
		}
	}

	require.NoError(t, repo.Insert(ctx, "core_execution_events", event("ev-1", "run-1", 1)))
	require.Error(t, repo.Insert(ctx, "core_execution_events", event("ev-2", "run-1", 1)))
	require.NoError(t, repo.Insert(ctx, "core_execution_events", event("ev-3", "run-2", 1)))
}

func TestPurge(t *testing.T) {
	conn := openTestConn(t)
	s := applySchema(t, conn)
	repo := NewRepository(conn)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	exec := func(id, status string, createdAt time.Time) map[string]interface{} {
		return map[string]interface{}{
			"id": id, "workflow": "weekly-etl", "status": status, "created_at": createdAt,
		}
	}

	require.NoError(t, repo.Insert(ctx, "core_executions", exec("old-done", "COMPLETED", old)))
	require.NoError(t, repo.Insert(ctx, "core_executions", exec("old-pending", "PENDING", old)))
	require.NoError(t, repo.Insert(ctx, "core_executions", exec("new-done", "COMPLETED", recent)))

	require.NoError(t, repo.Insert(ctx, "core_execution_events", map[string]interface{}{
		"id": "ev-1", "execution_id": "old-done", "seq": 1,
		"event_type": "CREATED", "timestamp": old,
	}))

	// Dead letters survive any purge, resolved or not.
	require.NoError(t, repo.Insert(ctx, "core_dead_letters", map[string]interface{}{
		"id": "dl-1", "execution_id": "old-done", "workflow": "weekly-etl",
		"error": "boom", "created_at": old, "resolved_at": old,
	}))

	result, err := s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted["core_executions"])
	assert.Equal(t, int64(1), result.Deleted["core_execution_events"])

	remaining, err := repo.Query(ctx, "SELECT id FROM core_executions ORDER BY id")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "new-done", AsString(remaining[0], "id"))
	assert.Equal(t, "old-pending", AsString(remaining[1], "id"))

	dl, err := repo.QueryOne(ctx, "SELECT id FROM core_dead_letters WHERE id = ?", "dl-1")
	require.NoError(t, err)
	require.NotNil(t, dl)
}

func TestSplitStatementsStripsComments(t *testing.T) {
	ddl := `-- header comment; with a semicolon
CREATE TABLE a (
    id TEXT PRIMARY KEY -- trailing; comment
);

-- another; one
CREATE INDEX idx_a ON a (id);
`
	stmts := splitStatements(ddl)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.NotContains(t, stmts[0], "comment")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

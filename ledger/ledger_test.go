package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	conn, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, store.NewSchema(conn).Apply(context.Background()))
	return New(conn, nil)
}

func newExec(workflow string) *core.Execution {
	return core.NewExecution(core.WorkSpec{
		Kind:   core.KindTask,
		Name:   workflow,
		Params: map[string]interface{}{"week": "2024-W11"},
	}, core.TriggerAPI)
}

func TestCreateEmitsCreatedEvent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	got, err := l.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "weekly-etl", got.Workflow)
	assert.Equal(t, "2024-W11", got.Params["week"])
	assert.Equal(t, core.DefaultMaxRetries, got.MaxRetries)

	events, err := l.ListEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCreated, events[0].EventType)
	assert.Equal(t, 1, events[0].Seq)
}

func TestCreateDuplicateIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first := newExec("weekly-etl")
	first.IdempotencyKey = "week-11"
	require.NoError(t, l.Create(ctx, first))

	second := newExec("weekly-etl")
	second.IdempotencyKey = "week-11"
	err := l.Create(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConflict))
}

func TestGetNotFound(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestGetByIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	exec.IdempotencyKey = "week-11"
	require.NoError(t, l.Create(ctx, exec))

	got, err := l.GetByIdempotencyKey(ctx, "week-11")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, exec.ID, got.ID)

	got, err = l.GetByIdempotencyKey(ctx, "week-12")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFailedHolderReleasesIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first := newExec("weekly-etl")
	first.IdempotencyKey = "week-11"
	require.NoError(t, l.Create(ctx, first))
	require.NoError(t, l.UpdateStatus(ctx, first.ID, core.StatusFailed, &StatusUpdate{Error: "boom"}))
	require.NoError(t, l.UpdateStatus(ctx, first.ID, core.StatusDLQ, nil))

	got, err := l.GetByIdempotencyKey(ctx, "week-11")
	require.NoError(t, err)
	assert.Nil(t, got)

	second := newExec("weekly-etl")
	second.IdempotencyKey = "week-11"
	require.NoError(t, l.Create(ctx, second))

	got, err = l.GetByIdempotencyKey(ctx, "week-11")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func TestUpdateStatusStampsTimestamps(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusRunning, nil))
	got, err := l.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	started := *got.StartedAt

	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusCompleted, &StatusUpdate{
		Result: map[string]interface{}{"rows": float64(120)},
	}))
	got, err = l.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.StartedAt.Equal(started), "started_at must not move after first RUNNING")
	assert.Equal(t, float64(120), got.Result["rows"])

	events, err := l.ListEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, core.EventCreated, events[0].EventType)
	assert.Equal(t, core.EventStarted, events[1].EventType)
	assert.Equal(t, core.EventCompleted, events[2].EventType)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	// PENDING cannot jump straight to COMPLETED.
	err := l.UpdateStatus(ctx, exec.ID, core.StatusCompleted, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusRunning, nil))
	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusCompleted, nil))

	// Terminal states reject everything.
	err = l.UpdateStatus(ctx, exec.ID, core.StatusRunning, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	// The failed transition must not have left a stray event.
	events, err := l.ListEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFailedIsRetriable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))
	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusRunning, nil))
	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusFailed, &StatusUpdate{Error: "boom"}))

	got, err := l.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.CompletedAt)

	// FAILED may still move to RETRIED or DLQ.
	require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusRetried, nil))
}

func TestIncrementRetry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	n, err := l.IncrementRetry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.IncrementRetry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.IncrementRetry(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRecordEventAndSince(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	require.NoError(t, l.RecordEvent(ctx, exec.ID, core.EventProgress, map[string]interface{}{"pct": float64(25)}))
	require.NoError(t, l.RecordEvent(ctx, exec.ID, core.EventProgress, map[string]interface{}{"pct": float64(50)}))

	events, err := l.ListEvents(ctx, exec.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, float64(25), events[0].Data["pct"])
	assert.Equal(t, float64(50), events[1].Data["pct"])

	err = l.RecordEvent(ctx, "missing", core.EventProgress, nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestListFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, wf := range []string{"weekly-etl", "weekly-etl", "nightly-sync"} {
		exec := newExec(wf)
		require.NoError(t, l.Create(ctx, exec))
		if i == 0 {
			require.NoError(t, l.UpdateStatus(ctx, exec.ID, core.StatusRunning, nil))
		}
	}

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	etl, err := l.List(ctx, Filter{Workflow: "weekly-etl"})
	require.NoError(t, err)
	assert.Len(t, etl, 2)

	running, err := l.List(ctx, Filter{Status: core.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	n, err := l.Count(ctx, Filter{Workflow: "weekly-etl"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := l.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := l.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSetExecutorRef(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec := newExec("weekly-etl")
	require.NoError(t, l.Create(ctx, exec))

	require.NoError(t, l.SetExecutorRef(ctx, exec.ID, "local-42"))
	got, err := l.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "local-42", got.ExecutorRef)

	err = l.SetExecutorRef(ctx, "missing", "x")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

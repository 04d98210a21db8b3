package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

func newTestConn(t *testing.T) *store.Connection {
	t.Helper()
	conn, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, store.NewSchema(conn).Apply(context.Background()))
	return conn
}

func TestStepStoreBeginFinishListByRun(t *testing.T) {
	s := NewStepStore(newTestConn(t), nil)
	ctx := context.Background()

	step := Lambda("fetch", "filings.fetch")
	stepID, err := s.Begin(ctx, "run-1", "weekly-etl", "2024-W11", step, 0)
	require.NoError(t, err)
	require.NotEmpty(t, stepID)

	records, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StepStatusRunning, records[0].Status)
	assert.Equal(t, "fetch", records[0].StepName)
	assert.Equal(t, StepLambda, records[0].StepType)
	assert.Equal(t, "2024-W11", records[0].PartitionKey)
	require.NotNil(t, records[0].StartedAt)
	assert.Nil(t, records[0].CompletedAt)

	err = s.Finish(ctx, stepID, StepFinish{
		Status:   StepStatusCompleted,
		Output:   map[string]interface{}{"rows": 42},
		Metrics:  map[string]interface{}{"bytes": 1024},
		Duration: 1500 * time.Millisecond,
	})
	require.NoError(t, err)

	records, err = s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, StepStatusCompleted, rec.Status)
	assert.EqualValues(t, 1500, rec.DurationMS)
	require.NotNil(t, rec.CompletedAt)
	out, ok := rec.Result.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, out["rows"])
	assert.EqualValues(t, 1024, rec.Metrics["bytes"])
}

func TestStepStoreFinishUnknownStep(t *testing.T) {
	s := NewStepStore(newTestConn(t), nil)

	err := s.Finish(context.Background(), "missing", StepFinish{Status: StepStatusCompleted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestStepStoreMarkWritesTerminalRow(t *testing.T) {
	s := NewStepStore(newTestConn(t), nil)
	ctx := context.Background()

	step := Lambda("notify_empty", "filings.notify_empty")
	require.NoError(t, s.Mark(ctx, "run-1", "weekly-etl", "", step, 4, StepStatusSkipped, "branch not taken"))

	records, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StepStatusSkipped, records[0].Status)
	assert.Equal(t, 4, records[0].StepOrder)
	assert.Equal(t, "branch not taken", records[0].Metrics["reason"])
	assert.EqualValues(t, 0, records[0].DurationMS)
}

func TestStepStoreListOrdersBySteps(t *testing.T) {
	s := NewStepStore(newTestConn(t), nil)
	ctx := context.Background()

	_, err := s.Begin(ctx, "run-1", "weekly-etl", "", Lambda("resolve", "r"), 1)
	require.NoError(t, err)
	_, err = s.Begin(ctx, "run-1", "weekly-etl", "", Lambda("fetch", "f"), 0)
	require.NoError(t, err)

	records, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "fetch", records[0].StepName)
	assert.Equal(t, "resolve", records[1].StepName)
}

func TestCompletedOutputsLastWins(t *testing.T) {
	s := NewStepStore(newTestConn(t), nil)
	ctx := context.Background()

	step := Lambda("fetch", "filings.fetch")

	id1, err := s.Begin(ctx, "run-1", "weekly-etl", "2024-W11", step, 0)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, id1, StepFinish{
		Status: StepStatusCompleted,
		Output: map[string]interface{}{"rows": 10},
	}))

	// A later run for the same partition key supersedes the first.
	time.Sleep(5 * time.Millisecond)
	id2, err := s.Begin(ctx, "run-2", "weekly-etl", "2024-W11", step, 0)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, id2, StepFinish{
		Status: StepStatusCompleted,
		Output: map[string]interface{}{"rows": 25},
	}))

	// Failed rows and other partitions never leak in.
	id3, err := s.Begin(ctx, "run-3", "weekly-etl", "2024-W11", Lambda("resolve", "r"), 1)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, id3, StepFinish{Status: StepStatusFailed, Error: "boom"}))
	_, err = s.Begin(ctx, "run-4", "weekly-etl", "2024-W12", Lambda("other", "o"), 0)
	require.NoError(t, err)

	outputs, err := s.CompletedOutputs(ctx, "weekly-etl", "2024-W11")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	out, ok := outputs["fetch"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 25, out["rows"])

	none, err := s.CompletedOutputs(ctx, "weekly-etl", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

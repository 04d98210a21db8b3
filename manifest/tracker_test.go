package manifest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/store"
)

func newTestTracker(t *testing.T, stages []string) *Tracker {
	t.Helper()
	conn, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, store.NewSchema(conn).Apply(context.Background()))
	return New(conn, nil, stages)
}

func TestUpsertAndGet(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	err := tr.Upsert(ctx, &Entry{
		Domain:       "sales",
		PartitionKey: "2024-W11",
		Stage:        "ingested",
		RowCount:     1200,
		ExecutionID:  "run-1",
	})
	require.NoError(t, err)

	got, err := tr.Get(ctx, "sales", "2024-W11", "ingested")
	require.NoError(t, err)
	assert.Equal(t, 1, got.StageRank)
	assert.Equal(t, 1200, got.RowCount)
	assert.Equal(t, "run-1", got.ExecutionID)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, &Entry{
		Domain: "sales", PartitionKey: "2024-W11", Stage: "ingested", RowCount: 100,
	}))
	require.NoError(t, tr.Upsert(ctx, &Entry{
		Domain: "sales", PartitionKey: "2024-W11", Stage: "ingested", RowCount: 250,
		ExecutionID: "run-2",
	}))

	rows, err := tr.List(ctx, "sales", "2024-W11")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 250, rows[0].RowCount)
	assert.Equal(t, "run-2", rows[0].ExecutionID)
}

func TestUpsertRejectsUnknownStage(t *testing.T) {
	tr := newTestTracker(t, []string{"raw", "clean"})

	err := tr.Upsert(context.Background(), &Entry{
		Domain: "sales", PartitionKey: "2024-W11", Stage: "polished",
	})
	require.Error(t, err)
}

func TestIsAtLeast(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.Upsert(ctx, &Entry{
		Domain: "sales", PartitionKey: "2024-W11", Stage: "ingested",
	}))
	require.NoError(t, tr.Upsert(ctx, &Entry{
		Domain: "sales", PartitionKey: "2024-W11", Stage: "validated",
	}))

	ok, err := tr.IsAtLeast(ctx, "sales", "2024-W11", "ingested")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.IsAtLeast(ctx, "sales", "2024-W11", "validated")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.IsAtLeast(ctx, "sales", "2024-W11", "published")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown partition has reached nothing.
	ok, err = tr.IsAtLeast(ctx, "sales", "2024-W12", "ingested")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestAndList(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	latest, err := tr.Latest(ctx, "sales", "2024-W11")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, stage := range []string{"ingested", "validated", "transformed"} {
		require.NoError(t, tr.Upsert(ctx, &Entry{
			Domain: "sales", PartitionKey: "2024-W11", Stage: stage,
		}))
	}

	latest, err = tr.Latest(ctx, "sales", "2024-W11")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "transformed", latest.Stage)

	rows, err := tr.List(ctx, "sales", "2024-W11")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ingested", rows[0].Stage)
	assert.Equal(t, "transformed", rows[2].Stage)
}

func TestDeclaredStageLadder(t *testing.T) {
	tr := newTestTracker(t, []string{"raw", "clean", "served"})

	assert.Equal(t, []string{"raw", "clean", "served"}, tr.Stages())

	rank, ok := tr.StageRank("clean")
	assert.True(t, ok)
	assert.Equal(t, 2, rank)

	_, ok = tr.StageRank("missing")
	assert.False(t, ok)
}

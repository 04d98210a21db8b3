package dlq

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

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	conn, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, store.NewSchema(conn).Apply(context.Background()))
	return New(conn, nil)
}

func TestAddAndGet(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Add(ctx, "run-1", "weekly-etl",
		map[string]interface{}{"week": "2024-W11"}, "upstream 500", 3, 3)
	require.NoError(t, err)

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ExecutionID)
	assert.Equal(t, "upstream 500", got.Error)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.ResolvedAt)

	_, err = q.Get(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCanRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Retries remain and unresolved: eligible.
	open, err := q.Add(ctx, "run-1", "weekly-etl", nil, "boom", 1, 3)
	require.NoError(t, err)
	ok, err := q.CanRetry(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Retries exhausted: not eligible.
	spent, err := q.Add(ctx, "run-2", "weekly-etl", nil, "boom", 3, 3)
	require.NoError(t, err)
	ok, err = q.CanRetry(ctx, spent.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Resolved: not eligible even with retries left.
	require.NoError(t, q.Resolve(ctx, open.ID, "oncall"))
	ok, err = q.CanRetry(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRetryAttempted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Add(ctx, "run-1", "weekly-etl", nil, "boom", 1, 3)
	require.NoError(t, err)

	require.NoError(t, q.MarkRetryAttempted(ctx, entry.ID))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotNil(t, got.LastRetryAt)

	err = q.MarkRetryAttempted(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestResolveKeepsFirstResolution(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Add(ctx, "run-1", "weekly-etl", nil, "boom", 0, 3)
	require.NoError(t, err)

	require.NoError(t, q.Resolve(ctx, entry.ID, "alice"))
	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	first := *got.ResolvedAt

	// Second resolve is a no-op.
	require.NoError(t, q.Resolve(ctx, entry.ID, "bob"))
	got, err = q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.True(t, got.ResolvedAt.Equal(first))

	err = q.Resolve(ctx, "missing", "alice")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestListAndCountFilters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Add(ctx, "run-1", "weekly-etl", nil, "boom", 0, 3)
	require.NoError(t, err)
	_, err = q.Add(ctx, "run-2", "weekly-etl", nil, "boom", 0, 3)
	require.NoError(t, err)
	_, err = q.Add(ctx, "run-3", "nightly-sync", nil, "boom", 0, 3)
	require.NoError(t, err)
	require.NoError(t, q.Resolve(ctx, a.ID, "oncall"))

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	unresolved := false
	open, err := q.List(ctx, Filter{Resolved: &unresolved})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	resolved := true
	closed, err := q.List(ctx, Filter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, a.ID, closed[0].ID)

	n, err := q.Count(ctx, Filter{Workflow: "weekly-etl"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := q.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

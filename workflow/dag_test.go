package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDagReadyRespectsDependencies(t *testing.T) {
	g := newDAG([]Step{
		Lambda("a", "ref"),
		Lambda("b", "ref").After("a"),
		Lambda("c", "ref").After("a"),
		Lambda("d", "ref").After("b", "c"),
	})

	assert.Equal(t, []string{"a"}, g.ready())

	g.markRunning("a")
	assert.Empty(t, g.ready())
	g.markCompleted("a")
	assert.Equal(t, []string{"b", "c"}, g.ready())

	g.markCompleted("b")
	assert.Equal(t, []string{"c"}, g.ready())
	g.markCompleted("c")
	assert.Equal(t, []string{"d"}, g.ready())
	g.markCompleted("d")
	assert.Empty(t, g.ready())
	assert.True(t, g.settled())
}

func TestDagFailureCascadesSkips(t *testing.T) {
	g := newDAG([]Step{
		Lambda("a", "ref"),
		Lambda("b", "ref").After("a"),
		Lambda("c", "ref").After("b"),
		Lambda("side", "ref"),
	})

	g.markRunning("a")
	skipped := g.markFailed("a")
	assert.Equal(t, []string{"b", "c"}, skipped)

	// Independent branch keeps running.
	assert.Equal(t, []string{"side"}, g.ready())
	assert.Equal(t, 1, g.count(nodeFailed))
	assert.Equal(t, 2, g.count(nodeSkipped))
	assert.False(t, g.settled())
}

func TestDagChoiceTargetsWaitForChoice(t *testing.T) {
	g := newDAG([]Step{
		Lambda("resolve", "ref"),
		Choice("any_rows", "cond", "distribute", "notify_empty").After("resolve"),
		Lambda("distribute", "ref"),
		Lambda("notify_empty", "ref"),
	})

	// Branch targets carry an implicit edge from the choice, so the
	// initial frontier is resolve alone.
	assert.Equal(t, []string{"resolve"}, g.ready())

	g.markCompleted("resolve")
	assert.Equal(t, []string{"any_rows"}, g.ready())

	g.markCompleted("any_rows")
	skipped := g.markSkipped("notify_empty")
	assert.Equal(t, []string{"notify_empty"}, skipped)
	assert.Equal(t, []string{"distribute"}, g.ready())
}

func TestDagMarkSkippedIgnoresStartedNodes(t *testing.T) {
	g := newDAG([]Step{Lambda("a", "ref")})
	g.markRunning("a")
	assert.Nil(t, g.markSkipped("a"))
	require.Equal(t, 0, g.count(nodeSkipped))
}

func TestDagPendingAndForce(t *testing.T) {
	g := newDAG([]Step{
		Lambda("a", "ref"),
		Lambda("b", "ref"),
		Lambda("c", "ref"),
	})
	g.markCompleted("a")
	assert.Equal(t, []string{"b", "c"}, g.pending())

	g.force("b", nodeCancelled)
	g.force("c", nodeSkipped)
	assert.Empty(t, g.pending())
	assert.True(t, g.settled())
	assert.Equal(t, 1, g.count(nodeCancelled))
}

package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestNewContextMergesDefaultsUnderParams(t *testing.T) {
	ctx := NewContext(
		map[string]interface{}{"window_weeks": 8, "source": "edgar"},
		map[string]interface{}{"window_weeks": 12, "week": "2024-W11"},
		"run-1", "corr-1")

	v, ok := ctx.Param("window_weeks")
	require.True(t, ok)
	assert.Equal(t, 12, v)
	v, _ = ctx.Param("source")
	assert.Equal(t, "edgar", v)
	v, _ = ctx.Param("week")
	assert.Equal(t, "2024-W11", v)
	assert.Equal(t, "run-1", ctx.RunID)
	assert.Equal(t, "corr-1", ctx.CorrelationID)
}

func TestContextCopiesAreIndependent(t *testing.T) {
	base := NewContext(nil, map[string]interface{}{"week": "2024-W11"}, "run-1", "")

	withOut := base.WithOutput("fetch", map[string]interface{}{"rows": 42})
	withParams := withOut.WithParams(map[string]interface{}{"week": "2024-W12"})

	_, ok := base.Output("fetch")
	assert.False(t, ok, "base context must not see later outputs")

	out, ok := withOut.Output("fetch")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"rows": 42}, out)

	v, _ := base.Param("week")
	assert.Equal(t, "2024-W11", v)
	v, _ = withParams.Param("week")
	assert.Equal(t, "2024-W12", v)

	// Output maps are copied, not shared.
	withOut2 := base.WithOutput("resolve", "x")
	_, ok = withOut.Output("resolve")
	assert.False(t, ok)
	_, ok = withOut2.Output("fetch")
	assert.False(t, ok)
}

func TestStepResultFactories(t *testing.T) {
	ok := OK(map[string]interface{}{"rows": 10})
	assert.True(t, ok.Success)
	assert.False(t, ok.Skipped)

	withUpdates := OKWithUpdates(nil, map[string]interface{}{"cursor": "abc"})
	assert.True(t, withUpdates.Success)
	assert.Equal(t, "abc", withUpdates.ContextUpdates["cursor"])

	failed := Fail(core.NewError(core.CategoryUnavailable, "edgar down"), "")
	assert.False(t, failed.Success)
	assert.Equal(t, core.CategoryUnavailable, failed.ErrorCategory)
	assert.Contains(t, failed.Error, "edgar down")

	categorized := Fail(errors.New("boom"), core.CategorySource)
	assert.Equal(t, core.CategorySource, categorized.ErrorCategory)

	skipped := Skip("nothing to distribute")
	assert.True(t, skipped.Success)
	assert.True(t, skipped.Skipped)
	assert.Equal(t, "nothing to distribute", skipped.Error)
}

func TestStepResultDictRoundTrip(t *testing.T) {
	r := StepResult{
		Success:        true,
		Output:         map[string]interface{}{"rows": float64(42)},
		ContextUpdates: map[string]interface{}{"cursor": "abc"},
		Quality:        map[string]interface{}{"status": "PASS"},
		Events:         []string{"rows_loaded"},
		NextStep:       "distribute",
	}

	dict, err := r.ToDict()
	require.NoError(t, err)
	back, err := StepResultFromDict(dict)
	require.NoError(t, err)
	assert.Equal(t, r, back)
}

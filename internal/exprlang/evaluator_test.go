package exprlang

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsExpression(t *testing.T) {
	require.True(t, IsExpression(`={{ $json.url }}`))
	require.False(t, IsExpression(`plain string`))
	require.False(t, IsExpression(`{{ $json.url }}`))
}

func TestEvaluateJSONReference(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	val, err := ev.Evaluate(`={{ json.u }}`, Context{
		JSON:             map[string]interface{}{"u": "https://x"},
		HasExecutionData: true,
	})
	require.NoError(t, err)
	require.Equal(t, "https://x", val)
}

func TestEvaluatePendingWithoutExecutionData(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	_, err = ev.Evaluate(`={{ json.u }}`, Context{HasExecutionData: false})
	require.ErrorIs(t, err, ErrNoExecutionData)
}

func TestEvaluateNodeBackReference(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	val, err := ev.Evaluate(`={{ $node("A").json.u }}`, Context{
		Nodes: map[string]interface{}{
			"A": map[string]interface{}{"json": map[string]interface{}{"u": "https://x"}},
		},
		HasExecutionData: true,
	})
	require.NoError(t, err)
	require.Equal(t, "https://x", val)
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	_, err = ev.Evaluate(`={{ 1 + 1 }}`, Context{HasExecutionData: true})
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)

	_, err = ev.Evaluate(`={{ 1 + 1 }}`, Context{HasExecutionData: true})
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)
}

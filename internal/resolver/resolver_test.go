package resolver

import (
	"testing"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/exprlang"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	ev, err := exprlang.New()
	require.NoError(t, err)
	log := coordlog.New("error", "text")
	return New(ev, log)
}

func TestResolveNodeValidExpression(t *testing.T) {
	r := newTestResolver(t)

	params := map[string]interface{}{
		"url":  "={{ json.u }}",
		"name": "plain",
	}
	ctx := exprlang.Context{
		JSON:             map[string]interface{}{"u": "https://x"},
		HasExecutionData: true,
	}

	resolved, stale := r.ResolveNode(params, ctx, nil)
	require.Empty(t, stale)
	require.Len(t, resolved, 1)
	require.Equal(t, StateValid, resolved["url"].State)
	require.Equal(t, "https://x", resolved["url"].Resolved)
}

func TestResolveNodePendingWithoutExecutionData(t *testing.T) {
	r := newTestResolver(t)

	params := map[string]interface{}{"url": "={{ json.u }}"}
	resolved, _ := r.ResolveNode(params, exprlang.Context{HasExecutionData: false}, nil)

	require.Equal(t, StatePending, resolved["url"].State)
}

func TestResolveNodeDetectsStaleEntries(t *testing.T) {
	r := newTestResolver(t)

	params := map[string]interface{}{"name": "plain"}
	previously := map[string]struct{}{"url": {}}

	resolved, stale := r.ResolveNode(params, exprlang.Context{}, previously)
	require.Empty(t, resolved)
	require.Equal(t, []string{"url"}, stale)
}

func TestResolveNodeNestedPaths(t *testing.T) {
	r := newTestResolver(t)

	params := map[string]interface{}{
		"headers": map[string]interface{}{
			"Authorization": "={{ 'Bearer ' + json.token }}",
		},
	}
	ctx := exprlang.Context{
		JSON:             map[string]interface{}{"token": "abc"},
		HasExecutionData: true,
	}

	resolved, _ := r.ResolveNode(params, ctx, nil)
	require.Contains(t, resolved, "headers.Authorization")
	require.Equal(t, "Bearer abc", resolved["headers.Authorization"].Resolved)
}

func TestKeyForRoundTrip(t *testing.T) {
	key := KeyFor("n1", "parameters.url")
	nodeID, path, ok := SplitKey(key)
	require.True(t, ok)
	require.Equal(t, "n1", nodeID)
	require.Equal(t, "parameters.url", path)
}

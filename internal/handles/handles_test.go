package handles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeHandles(t *testing.T) {
	def := NodeTypeDef{
		Inputs:  []Port{{Type: "main"}},
		Outputs: []Port{{Type: "main"}, {Type: "ai_languageModel"}},
	}
	got := Compute(def, 0)
	require.Equal(t, []string{
		"inputs/main/0",
		"outputs/main/0",
		"outputs/ai_languageModel/1",
	}, got)
}

func TestComputeHandlesWithExtraOutputs(t *testing.T) {
	def := NodeTypeDef{Outputs: []Port{{Type: "main"}}}
	got := Compute(def, 2)
	require.Equal(t, []string{"outputs/main/0", "outputs/main/1", "outputs/main/2"}, got)
}

func TestRenameReferencesRewritesDoubleAndSingleQuoted(t *testing.T) {
	nodes := map[string]interface{}{
		"n2": map[string]interface{}{
			"parameters": map[string]interface{}{
				"url":   `={{ $node("A").json.u }}`,
				"other": `={{ $node('A').json.v }}`,
				"plain": "unchanged",
			},
		},
	}

	count := RenameReferences(nodes, "A", "B")
	require.Equal(t, 2, count)

	params := nodes["n2"].(map[string]interface{})["parameters"].(map[string]interface{})
	require.Equal(t, `={{ $node("B").json.u }}`, params["url"])
	require.Equal(t, `={{ $node("B").json.v }}`, params["other"])
	require.Equal(t, "unchanged", params["plain"])
}

func TestRenameReferencesNoMatch(t *testing.T) {
	nodes := map[string]interface{}{
		"n1": map[string]interface{}{
			"parameters": map[string]interface{}{"url": "={{ $json.x }}"},
		},
	}
	require.Equal(t, 0, RenameReferences(nodes, "A", "B"))
}

package httpapi

import (
	"encoding/json"

	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/exprlang"
)

// buildExprContext assembles the exprlang.Context resolveExpression
// evaluates against (full sweeps build their own in internal/resolversweep):
// the latest output each node produced this execution, and the execution's own
// metadata. HasExecutionData is true only once an execution document
// exists and has recorded at least one node's run data.
func buildExprContext(docs *docregistry.Registry, workflowID, nodeName string) exprlang.Context {
	ctx := exprlang.Context{Nodes: map[string]interface{}{}}

	execEntry, ok := docs.Get(docregistry.ExecutionDocPrefix + workflowID)
	if !ok {
		return ctx
	}

	raw, err := execEntry.Doc.State()
	if err != nil {
		return ctx
	}

	var snapshot struct {
		Meta    map[string]interface{}                `json:"meta"`
		RunData map[string][]map[string]interface{}    `json:"runData"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return ctx
	}

	ctx.Execution = snapshot.Meta
	for name, tasks := range snapshot.RunData {
		if len(tasks) == 0 {
			continue
		}
		latest := tasks[len(tasks)-1]
		if data, ok := latest["data"]; ok {
			ctx.Nodes[name] = data
			if name == nodeName {
				ctx.JSON = data
			}
			ctx.HasExecutionData = true
		}
	}
	return ctx
}

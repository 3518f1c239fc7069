// Package resolversweep is the glue between the Expression Resolver (C7)
// and the Document Registry (C4): given a workflow id, it reads the
// workflow document's nodes/edges/pinData, builds each node's evaluation
// context from the sibling execution document's run data, calls the
// Resolver, and writes the results back into the execution document's
// resolvedParams in one transaction. Pulled out into its own package so
// neither internal/pushprojector (which fires the nodeExecuteAfterData
// trigger) nor internal/room (which fires the seed and
// debounced-parameter-change triggers) needs to know about the other's
// document shape.
package resolversweep

import (
	"encoding/json"
	"sort"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/exprlang"
	"github.com/lyzr/tabcoord/internal/resolver"
)

// Sweeper resolves every node's expression-bearing parameters for a
// workflow document against its execution document.
type Sweeper struct {
	registry *docregistry.Registry
	resolver *resolver.Resolver
	log      *coordlog.Logger
}

// New creates a Sweeper.
func New(registry *docregistry.Registry, r *resolver.Resolver, log *coordlog.Logger) *Sweeper {
	return &Sweeper{registry: registry, resolver: r, log: log}
}

// Sweep resolves every node belonging to workflowID's workflow document
// and writes the results into exec-<workflowID>'s resolvedParams. It
// creates the execution document if one doesn't exist yet, since the
// seed-time trigger runs before any execution has started and still needs
// somewhere to record "pending" resolutions.
func (s *Sweeper) Sweep(workflowID string) {
	wfEntry, ok := s.registry.Get(workflowID)
	if !ok {
		return
	}

	wfRaw, err := wfEntry.Doc.State()
	if err != nil {
		s.log.Warn("resolver sweep: snapshot workflow document failed", "workflow_id", workflowID, "error", err)
		return
	}

	var wfDoc struct {
		Nodes   map[string]interface{} `json:"nodes"`
		Edges   map[string]interface{} `json:"edges"`
		PinData map[string]interface{} `json:"pinData"`
	}
	if err := json.Unmarshal(wfRaw, &wfDoc); err != nil {
		s.log.Warn("resolver sweep: decode workflow document failed", "workflow_id", workflowID, "error", err)
		return
	}
	if len(wfDoc.Nodes) == 0 {
		return
	}

	execEntry, _ := s.registry.GetOrCreate(docregistry.ExecutionDocPrefix+workflowID, docregistry.ModeExecution)

	_, err = execEntry.Doc.Transact(func(data map[string]interface{}) error {
		resolvedParams, ok := data["resolvedParams"].(map[string]interface{})
		if !ok {
			resolvedParams = map[string]interface{}{}
		}
		meta, _ := data["meta"].(map[string]interface{})
		runData, _ := data["runData"].(map[string]interface{})

		execDescriptor := map[string]interface{}{}
		if executionID, ok := meta["executionId"]; ok {
			execDescriptor["id"] = executionID
		}

		parents := parentsByNodeName(wfDoc.Edges)
		lastOutputs := lastOutputsByNodeName(runData)
		hasExecutionData := len(runData) > 0
		nodeOutputs := make(map[string]interface{}, len(lastOutputs))
		for name, itemJSON := range lastOutputs {
			nodeOutputs[name] = map[string]interface{}{"json": itemJSON}
		}

		for nodeID, rawNode := range wfDoc.Nodes {
			node, ok := rawNode.(map[string]interface{})
			if !ok {
				continue
			}
			params, ok := node["parameters"].(map[string]interface{})
			if !ok {
				continue
			}
			nodeName, _ := node["name"].(string)

			evalCtx := exprlang.Context{
				Nodes:            nodeOutputs,
				Vars:             map[string]interface{}{},
				Execution:        execDescriptor,
				HasExecutionData: hasExecutionData,
			}
			if inputJSON, ok := inputJSONFor(nodeName, parents, lastOutputs, wfDoc.PinData); ok {
				evalCtx.JSON = inputJSON
			}

			resolved, stale := s.resolver.ResolveNode(params, evalCtx, previouslyResolvedFor(resolvedParams, nodeID))
			for path, rv := range resolved {
				resolvedParams[resolver.KeyFor(nodeID, path)] = rv
			}
			for _, path := range stale {
				delete(resolvedParams, resolver.KeyFor(nodeID, path))
			}
		}

		data["resolvedParams"] = resolvedParams
		return nil
	})
	if err != nil {
		s.log.Error("resolver sweep transaction failed", "workflow_id", workflowID, "error", err)
	}
}

// previouslyResolvedFor collects the paramPaths already resolved for
// nodeID, so ResolveNode can report paths that are no longer expressions.
func previouslyResolvedFor(resolvedParams map[string]interface{}, nodeID string) map[string]struct{} {
	out := map[string]struct{}{}
	for key := range resolvedParams {
		id, path, ok := resolver.SplitKey(key)
		if ok && id == nodeID {
			out[path] = struct{}{}
		}
	}
	return out
}

// parentsByNodeName maps a target node's name to the names of nodes with
// an edge into it, sorted for a deterministic "first parent".
func parentsByNodeName(edges map[string]interface{}) map[string][]string {
	out := map[string][]string{}
	for _, raw := range edges {
		edge, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		source, _ := edge["source"].(string)
		target, _ := edge["target"].(string)
		if source == "" || target == "" {
			continue
		}
		out[target] = append(out[target], source)
	}
	for _, sources := range out {
		sort.Strings(sources)
	}
	return out
}

// lastOutputsByNodeName maps each run node's name to its most recent
// task's first output item's json, used for input derivation and (wrapped
// as {"json": ...} by Sweep) for $node(...) back-references.
func lastOutputsByNodeName(runData map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for name, raw := range runData {
		tasks, ok := raw.([]interface{})
		if !ok || len(tasks) == 0 {
			continue
		}
		last, ok := tasks[len(tasks)-1].(map[string]interface{})
		if !ok {
			continue
		}
		if itemJSON, ok := firstItemJSON(last); ok {
			out[name] = itemJSON
		}
	}
	return out
}

// inputJSONFor derives a node's current input item json from pinned data
// first, then its first parent's latest run output.
func inputJSONFor(nodeName string, parents map[string][]string, lastOutputs map[string]interface{}, pinData map[string]interface{}) (interface{}, bool) {
	if pinned, ok := firstPinnedItemJSON(pinData, nodeName); ok {
		return pinned, true
	}
	for _, parent := range parents[nodeName] {
		if itemJSON, ok := lastOutputs[parent]; ok {
			return itemJSON, true
		}
	}
	return nil, false
}

func firstPinnedItemJSON(pinData map[string]interface{}, nodeName string) (interface{}, bool) {
	raw, ok := pinData[nodeName]
	if !ok {
		return nil, false
	}
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return nil, false
	}
	item, ok := items[0].(map[string]interface{})
	if !ok {
		return nil, false
	}
	if itemJSON, ok := item["json"]; ok {
		return itemJSON, true
	}
	return item, true
}

// firstItemJSON extracts the first output item's json from a task's
// stored "data" field, tolerating both the nested ITaskData shape
// (data.data.main[0][0].json) and a flattened one (data.main[0][0].json).
func firstItemJSON(task map[string]interface{}) (interface{}, bool) {
	raw, ok := task["data"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	if inner, ok := raw["data"].(map[string]interface{}); ok {
		if v, ok := firstItemJSONFromMain(inner); ok {
			return v, true
		}
	}
	return firstItemJSONFromMain(raw)
}

func firstItemJSONFromMain(m map[string]interface{}) (interface{}, bool) {
	main, ok := m["main"].([]interface{})
	if !ok || len(main) == 0 {
		return nil, false
	}
	items, ok := main[0].([]interface{})
	if !ok || len(items) == 0 {
		return nil, false
	}
	item, ok := items[0].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return item["json"], true
}

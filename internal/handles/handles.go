// Package handles computes node connection-endpoint metadata and rewrites
// expression strings that reference a renamed node. These are small walk
// utilities used by the local Seeder (internal/room); the Server-Backed
// Transport does not use them.
package handles

import (
	"fmt"
	"strings"
)

// NodeTypeDef is the subset of a node-type description relevant to handle
// computation: its declared static input/output ports. Parameter-driven
// ports (e.g. a Switch node's per-branch outputs) are not part of it; they
// are passed to Compute separately as extraOutputs.
type NodeTypeDef struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

// Port is one declared input or output connection type, e.g. {"main"} or
// {"ai_languageModel"}.
type Port struct {
	Type string `json:"type"`
}

// Compute derives handle strings "inputs|outputs/<type>/<index>" from a
// node-type's declared ports. Parameter-driven port counts (e.g. number of
// outputs on a Switch/If node) are passed in via extraOutputs, appended
// after the statically declared ports.
func Compute(def NodeTypeDef, extraOutputs int) []string {
	out := make([]string, 0, len(def.Inputs)+len(def.Outputs)+extraOutputs)

	for i, p := range def.Inputs {
		out = append(out, fmt.Sprintf("inputs/%s/%d", portType(p), i))
	}
	for i, p := range def.Outputs {
		out = append(out, fmt.Sprintf("outputs/%s/%d", portType(p), i))
	}
	for i := 0; i < extraOutputs; i++ {
		out = append(out, fmt.Sprintf("outputs/main/%d", len(def.Outputs)+i))
	}
	return out
}

func portType(p Port) string {
	if p.Type == "" {
		return "main"
	}
	return p.Type
}

// RenameReferences rewrites every parameter string in nodes that contains
// an expression back-reference to oldName, replacing it with newName. It
// returns the number of strings rewritten. The caller is responsible for
// running this inside a single crdtdoc.Doc.Transact so the rewrite is
// atomic.
func RenameReferences(nodes map[string]interface{}, oldName, newName string) int {
	count := 0
	for _, nodeValue := range nodes {
		node, ok := nodeValue.(map[string]interface{})
		if !ok {
			continue
		}
		params, ok := node["parameters"].(map[string]interface{})
		if !ok {
			continue
		}
		count += renameInValue(params, oldName, newName)
	}
	return count
}

func renameInValue(value interface{}, oldName, newName string) int {
	count := 0
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			switch c := child.(type) {
			case string:
				if rewritten, changed := renameInString(c, oldName, newName); changed {
					v[k] = rewritten
					count++
				}
			default:
				count += renameInValue(child, oldName, newName)
			}
		}
	case []interface{}:
		for i, child := range v {
			switch c := child.(type) {
			case string:
				if rewritten, changed := renameInString(c, oldName, newName); changed {
					v[i] = rewritten
					count++
				}
			default:
				count += renameInValue(child, oldName, newName)
			}
		}
	}
	return count
}

// renameInString rewrites $node("old").* and $node('old').* back-references
// in a single parameter string.
func renameInString(s, oldName, newName string) (string, bool) {
	oldRef := fmt.Sprintf(`$node("%s")`, oldName)
	oldRefSingle := fmt.Sprintf(`$node('%s')`, oldName)
	if !strings.Contains(s, oldRef) && !strings.Contains(s, oldRefSingle) {
		return s, false
	}
	newRef := fmt.Sprintf(`$node("%s")`, newName)
	s = strings.ReplaceAll(s, oldRef, newRef)
	s = strings.ReplaceAll(s, oldRefSingle, newRef)
	return s, true
}

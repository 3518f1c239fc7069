package executor

import "github.com/tidwall/gjson"

// nodeTypeGroupIncludesTrigger reports whether a node type's definition
// declares itself a member of the "trigger" group, checked with gjson
// since only this one field is needed out of the full node-type document.
func nodeTypeGroupIncludesTrigger(raw []byte) bool {
	found := false
	gjson.GetBytes(raw, "group").ForEach(func(_, v gjson.Result) bool {
		if v.String() == "trigger" {
			found = true
			return false
		}
		return true
	})
	return found
}

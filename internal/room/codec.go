package room

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/tabcoord/internal/handles"
)

func decodeNodeTypeDef(raw []byte) (handles.NodeTypeDef, error) {
	var def handles.NodeTypeDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return handles.NodeTypeDef{}, fmt.Errorf("unmarshal node type def: %w", err)
	}
	return def, nil
}

func decodeDocSnapshot(raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal doc snapshot: %w", err)
	}
	return nil
}

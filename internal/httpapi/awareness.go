package httpapi

import "encoding/json"

// awarenessFrame is the JSON payload carried by an AWARENESS envelope: a
// peer announcing its own presence under clientId, or the coordinator
// announcing that a set of clientIds should be removed (peer disconnected
// or unsubscribed).
type awarenessFrame struct {
	ClientID string   `json:"clientId,omitempty"`
	Presence any      `json:"presence,omitempty"`
	Remove   []string `json:"remove,omitempty"`
}

func encodeAwareness(f awarenessFrame) []byte {
	raw, _ := json.Marshal(f)
	return raw
}

func decodeAwareness(raw []byte) (awarenessFrame, error) {
	var f awarenessFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// applyAwareness writes one peer's presence into the document's awareness
// container.
func applyAwareness(data map[string]interface{}, f awarenessFrame) {
	if f.ClientID == "" {
		return
	}
	awareness, ok := data["awareness"].(map[string]interface{})
	if !ok {
		awareness = make(map[string]interface{})
		data["awareness"] = awareness
	}
	awareness[f.ClientID] = f.Presence
}

// removeAwareness deletes a set of clientIds from the document's awareness
// container, used on peer disconnect/unsubscribe.
func removeAwareness(data map[string]interface{}, clientIDs []string) bool {
	awareness, ok := data["awareness"].(map[string]interface{})
	if !ok || len(clientIDs) == 0 {
		return false
	}
	removed := false
	for _, id := range clientIDs {
		if _, present := awareness[id]; present {
			delete(awareness, id)
			removed = true
		}
	}
	return removed
}

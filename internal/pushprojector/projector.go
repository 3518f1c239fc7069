// Package pushprojector is the Push Projector (C8): a single outbound
// WebSocket for the coordinator's lifetime that receives workflow-engine
// execution events and projects them into per-execution CRDT documents
// (exec-<workflowId>), broadcasting each update to subscribers. Grounded
// on `cmd/workflow-runner/coordinator/coordinator.go`'s
// `publishToken`/`redis_subscriber.go` fan-in-then-project pattern,
// generalized from "Redis pub/sub token stream" to "a dialed WebSocket
// event stream". Raw frame fields are extracted with `gjson.GetBytes`
// instead of a full unmarshal into a typed struct, the same
// extract-one-field-without-decoding-everything idiom the condition
// resolver in that same codebase uses against marshaled node output.
package pushprojector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/wsconn"
	"github.com/tidwall/gjson"
)

// Broadcast fans an envelope out to every peer subscribed to a document.
type Broadcast func(docID string, env docchannel.Envelope)

// state is the push-connection state machine.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Projector owns the coordinator-wide push socket and projects its events
// into execution documents.
type Projector struct {
	wsBaseURLFallback string
	pushRef           string
	registry          *docregistry.Registry
	broadcast         Broadcast
	log               *coordlog.Logger

	// OnNodeExecuteAfterData fires after an execution document absorbs a
	// nodeExecuteAfterData event, so the caller can run the Expression
	// Resolver's full sweep. It is intentionally a callback rather than a
	// direct dependency on internal/resolver, to keep this package focused
	// on event projection.
	OnNodeExecuteAfterData func(workflowID string)

	mu         sync.Mutex
	st         state
	conn       *wsconn.Conn
	connecting chan struct{} // closed when a pending dial completes, for memoized concurrent ensure calls
}

// New creates a Projector. pushRef is generated once here, at construction
// time, and reused for the coordinator's lifetime.
func New(wsBaseURLFallback string, registry *docregistry.Registry, broadcast Broadcast, log *coordlog.Logger) *Projector {
	return &Projector{
		wsBaseURLFallback: wsBaseURLFallback,
		pushRef:           uuid.NewString(),
		registry:          registry,
		broadcast:         broadcast,
		log:               log,
		st:                stateIdle,
	}
}

// PushRef returns the push reference every run request must carry.
func (p *Projector) PushRef() string { return p.pushRef }

// EnsureConnection dials the push socket if not already open/connecting,
// idempotently: concurrent callers share the same in-flight dial.
func (p *Projector) EnsureConnection(ctx context.Context, wsBaseURL string) error {
	if wsBaseURL == "" {
		wsBaseURL = p.wsBaseURLFallback
	}

	p.mu.Lock()
	switch p.st {
	case stateOpen:
		p.mu.Unlock()
		return nil
	case stateConnecting:
		waitCh := p.connecting
		p.mu.Unlock()
		<-waitCh
		return nil
	}
	p.st = stateConnecting
	p.connecting = make(chan struct{})
	p.mu.Unlock()

	err := p.dial(ctx, wsBaseURL)

	p.mu.Lock()
	if err != nil {
		p.st = stateIdle
	} else {
		p.st = stateOpen
	}
	close(p.connecting)
	p.mu.Unlock()

	return err
}

func (p *Projector) dial(ctx context.Context, wsBaseURL string) error {
	url := fmt.Sprintf("%s/rest/push?pushRef=%s", wsBaseURL, p.pushRef)
	conn, _, err := wsconn.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial push connection: %w", err)
	}

	conn.OnMessage = p.handleFrame
	conn.OnClose = func(err error) {
		p.log.Warn("push connection closed", "error", err)
		p.mu.Lock()
		p.st = stateClosed
		p.conn = nil
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go conn.Run()
	return nil
}

func (p *Projector) handleFrame(f wsconn.Frame) {
	payload := f.Payload
	eventType := gjson.GetBytes(payload, "type").String()

	switch eventType {
	case "executionStarted":
		p.onExecutionStarted(payload)
	case "nodeExecuteBefore":
		p.onNodeExecuteBefore(payload)
	case "nodeExecuteAfter":
		p.onNodeExecuteAfter(payload, false)
	case "nodeExecuteAfterData":
		p.onNodeExecuteAfter(payload, true)
	case "executionFinished":
		p.onExecutionFinished(payload)
	default:
	}
}

func (p *Projector) execEntry(workflowID string) *docregistry.Entry {
	docID := docregistry.ExecutionDocPrefix + workflowID
	entry, _ := p.registry.GetOrCreate(docID, docregistry.ModeExecution)
	return entry
}

func (p *Projector) onExecutionStarted(payload []byte) {
	workflowID := gjson.GetBytes(payload, "workflowId").String()
	executionID := gjson.GetBytes(payload, "executionId").String()
	mode := gjson.GetBytes(payload, "mode").String()
	startedAtRaw := gjson.GetBytes(payload, "startedAt").String()

	var startedAtMS int64
	if t, err := time.Parse(time.RFC3339, startedAtRaw); err == nil {
		startedAtMS = t.UnixMilli()
	} else {
		p.log.Warn("parse startedAt failed", "raw", startedAtRaw, "error", err)
	}

	nodeIndex := p.buildNodeIndex(workflowID)

	entry := p.execEntry(workflowID)
	_, err := entry.Doc.Transact(func(data map[string]interface{}) error {
		data["meta"] = map[string]interface{}{
			"status":      "running",
			"mode":        mode,
			"startedAt":   startedAtMS,
			"executionId": executionID,
			"workflowId":  workflowID,
		}
		data["runData"] = map[string]interface{}{}
		data["edges"] = map[string]interface{}{}
		data["nodeIndex"] = nodeIndex
		return nil
	})
	if err != nil {
		p.log.Error("executionStarted transaction failed", "error", err)
		return
	}

	p.broadcastState(entry)
	p.broadcast(entry.DocID, docchannel.Envelope{Type: docchannel.MessageInitialSync, DocID: entry.DocID})
}

// buildNodeIndex reads the workflow document's nodes and maps each node id
// to its current name, captured once at execution start since later
// renames must not retroactively relabel a run already in progress.
func (p *Projector) buildNodeIndex(workflowID string) map[string]interface{} {
	index := map[string]interface{}{}

	wfEntry, ok := p.registry.Get(workflowID)
	if !ok {
		return index
	}
	raw, err := wfEntry.Doc.State()
	if err != nil {
		p.log.Warn("snapshot workflow document for nodeIndex failed", "workflow_id", workflowID, "error", err)
		return index
	}

	var wfDoc struct {
		Nodes map[string]interface{} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &wfDoc); err != nil {
		p.log.Warn("decode workflow document for nodeIndex failed", "workflow_id", workflowID, "error", err)
		return index
	}

	for id, raw := range wfDoc.Nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := node["name"].(string)
		index[id] = name
	}
	return index
}

func (p *Projector) onNodeExecuteBefore(payload []byte) {
	workflowID := gjson.GetBytes(payload, "workflowId").String()
	nodeName := gjson.GetBytes(payload, "nodeName").String()
	executionIndex := gjson.GetBytes(payload, "executionIndex").Int()
	startTime := gjson.GetBytes(payload, "startTime").Value()
	source := gjson.GetBytes(payload, "source").Value()

	var hints []interface{}
	gjson.GetBytes(payload, "hints").ForEach(func(_, v gjson.Result) bool {
		hints = append(hints, v.Value())
		return true
	})

	entry := p.execEntry(workflowID)
	_, err := entry.Doc.Transact(func(data map[string]interface{}) error {
		runData := mapAt(data, "runData")
		tasks, _ := runData[nodeName].([]interface{})
		tasks = append(tasks, map[string]interface{}{
			"startTime":       startTime,
			"executionIndex":  executionIndex,
			"source":          source,
			"hints":           hints,
			"executionStatus": "running",
		})
		runData[nodeName] = tasks
		return nil
	})
	if err != nil {
		p.log.Error("nodeExecuteBefore transaction failed", "error", err)
		return
	}
	p.broadcastState(entry)
}

func (p *Projector) onNodeExecuteAfter(payload []byte, withData bool) {
	workflowID := gjson.GetBytes(payload, "workflowId").String()
	nodeName := gjson.GetBytes(payload, "nodeName").String()
	executionIndex := gjson.GetBytes(payload, "executionIndex").Int()

	entry := p.execEntry(workflowID)
	_, err := entry.Doc.Transact(func(data map[string]interface{}) error {
		runData := mapAt(data, "runData")
		tasks, _ := runData[nodeName].([]interface{})
		for i, raw := range tasks {
			task, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			idx, _ := task["executionIndex"].(int64)
			if idx != executionIndex {
				if f, ok := task["executionIndex"].(float64); !ok || int64(f) != executionIndex {
					continue
				}
			}

			task["executionTime"] = gjson.GetBytes(payload, "executionTime").Value()
			task["executionStatus"] = gjson.GetBytes(payload, "executionStatus").String()
			if errMsg := gjson.GetBytes(payload, "error"); errMsg.Exists() {
				task["error"] = errMsg.Value()
			}
			if withData {
				task["data"] = gjson.GetBytes(payload, "data").Value()
			}
			tasks[i] = task
			break
		}
		runData[nodeName] = tasks

		p.updateEdgeCounts(data, workflowID, nodeName, payload)
		return nil
	})
	if err != nil {
		p.log.Error("nodeExecuteAfter transaction failed", "error", err)
		return
	}

	p.broadcastState(entry)
	if withData && p.OnNodeExecuteAfterData != nil {
		p.OnNodeExecuteAfterData(workflowID)
	}
}

func (p *Projector) onExecutionFinished(payload []byte) {
	workflowID := gjson.GetBytes(payload, "workflowId").String()
	status := gjson.GetBytes(payload, "status").String()
	finishedAt := gjson.GetBytes(payload, "finishedAt").Value()

	entry := p.execEntry(workflowID)
	_, err := entry.Doc.Transact(func(data map[string]interface{}) error {
		meta := mapAt(data, "meta")
		meta["status"] = status
		meta["finishedAt"] = finishedAt
		return nil
	})
	if err != nil {
		p.log.Error("executionFinished transaction failed", "error", err)
		return
	}
	p.broadcastState(entry)
}

// updateEdgeCounts increments the execution document's per-edge totals for
// every (connectionType, outputIndex) the frame reports for nodeName. The
// frame carries an "itemCountByConnectionType" object keyed by connection
// type to a per-output-index item count, e.g. {"main":[1]}. Matching edges
// are located in the workflow document's edges by sourceHandle and source
// node name, and D_e.edges is keyed by that same workflow edge id.
func (p *Projector) updateEdgeCounts(data map[string]interface{}, workflowID, nodeName string, payload []byte) {
	counts := gjson.GetBytes(payload, "itemCountByConnectionType")
	if !counts.IsObject() {
		return
	}

	wfEdges := p.workflowEdges(workflowID)
	if len(wfEdges) == 0 {
		return
	}

	edges := mapAt(data, "edges")
	counts.ForEach(func(connType, perOutput gjson.Result) bool {
		if !perOutput.IsArray() {
			return true
		}
		connTypeStr := connType.String()

		for index, item := range perOutput.Array() {
			count := item.Int()
			sourceHandle := fmt.Sprintf("outputs/%s/%d", connTypeStr, index)

			for edgeID, raw := range wfEdges {
				edge, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if edge["sourceHandle"] != sourceHandle || edge["source"] != nodeName {
					continue
				}

				existing, ok := edges[edgeID].(map[string]interface{})
				if !ok {
					existing = map[string]interface{}{
						"sourceNodeName": nodeName,
						"connectionType": connTypeStr,
						"outputIndex":    int64(index),
						"totalItems":     int64(0),
						"iterations":     int64(0),
					}
				}
				existing["totalItems"] = asInt64(existing["totalItems"]) + count
				existing["iterations"] = asInt64(existing["iterations"]) + 1
				edges[edgeID] = existing
			}
		}
		return true
	})
}

// workflowEdges reads the workflow document's current edges, used to
// resolve a (nodeName, sourceHandle) pair to its workflow edge id.
func (p *Projector) workflowEdges(workflowID string) map[string]interface{} {
	wfEntry, ok := p.registry.Get(workflowID)
	if !ok {
		return nil
	}
	raw, err := wfEntry.Doc.State()
	if err != nil {
		p.log.Warn("snapshot workflow document for edge lookup failed", "workflow_id", workflowID, "error", err)
		return nil
	}

	var wfDoc struct {
		Edges map[string]interface{} `json:"edges"`
	}
	if err := json.Unmarshal(raw, &wfDoc); err != nil {
		p.log.Warn("decode workflow document for edge lookup failed", "workflow_id", workflowID, "error", err)
		return nil
	}
	return wfDoc.Edges
}

func mapAt(data map[string]interface{}, key string) map[string]interface{} {
	m, ok := data[key].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		data[key] = m
	}
	return m
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (p *Projector) broadcastState(entry *docregistry.Entry) {
	raw, err := entry.Doc.State()
	if err != nil {
		p.log.Error("snapshot execution doc for broadcast failed", "error", err)
		return
	}
	p.broadcast(entry.DocID, docchannel.Envelope{Type: docchannel.MessageSync, DocID: entry.DocID, Payload: raw})
}

// Package executor is the Execution Invoker (C9): it picks a trigger node
// for a workflow and asks the remote server to run it, after making sure
// the Push Projector's event stream is connected so execution events have
// somewhere to land. Grounded on
// `cmd/workflow-runner/coordinator/coordinator.go`'s `handleCompletion`/run
// flow (ensure the event channel is live, then issue the run call).
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/remote"
)

// ErrNoMirror is returned when the document's local workflow mirror isn't
// available yet (not seeded, or server-backed without a first sync).
var ErrNoMirror = errors.New("executor: no workflow mirror available")

// ErrNoTrigger is returned when no trigger node can be determined.
var ErrNoTrigger = errors.New("executor: no trigger node found")

// manualTriggerTypes is the whitelist of node types considered manual
// triggers, checked before falling back to a node type's own trigger
// declaration.
var manualTriggerTypes = map[string]struct{}{
	"manualTrigger":                {},
	"n8n-nodes-base.manualTrigger": {},
}

// NodeTypeLookup resolves "<type>@<version>" node-type definitions so the
// trigger-selection fallback can inspect a node type's declared group.
type NodeTypeLookup interface {
	NodeType(nameAtVersion string) ([]byte, bool)
}

// PushConnector ensures the coordinator's outbound push socket is open,
// returning the push reference every run request must carry.
type PushConnector interface {
	EnsureConnection(ctx context.Context, wsBaseURL string) error
	PushRef() string
}

// Executor invokes workflow runs against the remote server.
type Executor struct {
	registry *docregistry.Registry
	push     PushConnector
	types    NodeTypeLookup
	remote   *remote.Client
	log      *coordlog.Logger
}

// New creates an Executor.
func New(registry *docregistry.Registry, push PushConnector, types NodeTypeLookup, client *remote.Client, log *coordlog.Logger) *Executor {
	return &Executor{registry: registry, push: push, types: types, remote: client, log: log}
}

// ExecuteWorkflow runs workflowID against baseURL, optionally starting from
// triggerNodeName. It returns the execution id, or an error if the push
// connection, the mirror or a trigger could not be found. A failed run
// request is logged and yields ("", nil).
func (e *Executor) ExecuteWorkflow(ctx context.Context, workflowID, baseURL, wsBaseURL, triggerNodeName string) (string, error) {
	if err := e.push.EnsureConnection(ctx, wsBaseURL); err != nil {
		return "", fmt.Errorf("ensure push connection: %w", err)
	}

	entry, ok := e.registry.Get(workflowID)
	if !ok || entry.LocalMirror == nil {
		return "", ErrNoMirror
	}

	entry.Lock()
	mirror := entry.LocalMirror
	entry.Unlock()

	nodes, _ := mirror["nodes"].(map[string]interface{})

	trigger := triggerNodeName
	if trigger == "" {
		var err error
		trigger, err = e.selectTrigger(nodes)
		if err != nil {
			return "", err
		}
	}

	nodesSlice := make([]map[string]interface{}, 0, len(nodes))
	for _, n := range nodes {
		if nm, ok := n.(map[string]interface{}); ok {
			nodesSlice = append(nodesSlice, nm)
		}
	}

	connections, _ := mirror["connections"].(map[string]interface{})
	settings, _ := mirror["settings"].(map[string]interface{})
	pinData, _ := mirror["pinData"].(map[string]interface{})
	name, _ := mirror["name"].(string)
	id, _ := mirror["id"].(string)

	executionID, err := e.remote.RunWorkflow(ctx, baseURL, workflowID, e.push.PushRef(), remote.RunWorkflowRequest{
		WorkflowData: remote.WorkflowData{
			ID:          id,
			Name:        name,
			Nodes:       nodesSlice,
			Connections: connections,
			Settings:    settings,
			PinData:     pinData,
		},
		TriggerToStartFrom: remote.TriggerRef{Name: trigger},
	})
	if err != nil {
		e.log.Warn("run workflow failed", "workflowId", workflowID, "error", err)
		return "", nil
	}
	return executionID, nil
}

// selectTrigger determines the trigger node name: the whitelist is checked
// before the node type's own trigger declaration.
func (e *Executor) selectTrigger(nodes map[string]interface{}) (string, error) {
	for _, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typeName, _ := node["type"].(string)
		if _, whitelisted := manualTriggerTypes[typeName]; whitelisted {
			if name, _ := node["name"].(string); name != "" {
				return name, nil
			}
		}
	}

	for _, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if e.nodeTypeDeclaresTrigger(node) {
			if name, _ := node["name"].(string); name != "" {
				return name, nil
			}
		}
	}

	return "", ErrNoTrigger
}

func (e *Executor) nodeTypeDeclaresTrigger(node map[string]interface{}) bool {
	typeName, _ := node["type"].(string)
	version, _ := node["typeVersion"].(float64)
	key := fmt.Sprintf("%s@%v", typeName, version)

	raw, ok := e.types.NodeType(key)
	if !ok {
		return false
	}
	return nodeTypeGroupIncludesTrigger(raw)
}

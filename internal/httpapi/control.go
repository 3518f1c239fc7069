package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/tabcoord/internal/wsconn"
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleControl upgrades the control connection a peer opens on startup:
// it registers the peer, proxies its RPC requests
// (registerTab/unregisterTab/initialize/exec/query/.../executeWorkflow/
// resolveExpression) to the right component, and answers the
// coordinator's own reverse calls into the peer's data worker.
func (s *Server) handleControl(c echo.Context) error {
	ws, err := controlUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade control connection: %w", err)
	}

	conn := wsconn.New(ws)
	peerID := newPeerID()
	peer := NewPeerConn(peerID, conn)

	if err := s.c.Peers.Register(peerID, &dataWorker{peer: peer}); err != nil {
		s.c.Logger.Error("register peer failed", "peer_id", peerID, "error", err)
		conn.Close()
		return nil
	}
	s.c.Logger.Info("peer registered", "peer_id", peerID)

	conn.OnMessage = func(f wsconn.Frame) {
		s.handleControlFrame(peer, peerID, f)
	}
	conn.OnClose = func(err error) {
		s.disconnectPeer(peerID)
	}

	conn.Run()
	return nil
}

func (s *Server) handleControlFrame(peer *PeerConn, peerID string, f wsconn.Frame) {
	var msg rpcMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		s.c.Logger.Warn("malformed control frame dropped", "peer_id", peerID, "error", err)
		return
	}

	if msg.Method == "" {
		// A response to one of the coordinator's reverse calls into this
		// peer's data worker.
		peer.resolve(msg)
		return
	}

	result, err := s.dispatchControl(peerID, msg.Method, msg.Params)
	peer.respond(msg.ID, result, err)
}

func (s *Server) disconnectPeer(peerID string) {
	if err := s.c.Peers.Unregister(peerID); err != nil {
		s.c.Logger.Warn("unregister peer failed", "peer_id", peerID, "error", err)
	}
	s.unsubscribeAllDocs(peerID)
	s.c.Logger.Info("peer disconnected", "peer_id", peerID)
}

// dispatchControl implements the peer-initiated RPC surface:
// registerTab/unregisterTab/initialize/exec/query/queryWithParams/
// isInitialized/getActiveTabId/getTabCount/loadNodeTypes/storeVersion/
// getStoredVersion/executeWorkflow/resolveExpression.
func (s *Server) dispatchControl(peerID, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "registerTab":
		return map[string]string{"peerId": peerID}, nil

	case "unregisterTab":
		return nil, s.c.Peers.Unregister(peerID)

	case "initialize":
		var p struct {
			Version int64  `json:"version"`
			BaseURL string `json:"baseUrl"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode initialize params: %w", err)
		}
		return nil, s.c.Peers.Initialize(p.Version, p.BaseURL)

	case "exec":
		var p struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode exec params: %w", err)
		}
		return nil, s.c.Dispatcher.Exec(p.SQL)

	case "query":
		var p struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode query params: %w", err)
		}
		return s.c.Dispatcher.Query(p.SQL)

	case "queryWithParams":
		var p struct {
			SQL    string        `json:"sql"`
			Params []interface{} `json:"params"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode queryWithParams params: %w", err)
		}
		return s.c.Dispatcher.QueryWithParams(p.SQL, p.Params)

	case "isInitialized":
		return s.c.Peers.IsInitialized(), nil

	case "getActiveTabId":
		return s.c.Peers.ActiveID(), nil

	case "getTabCount":
		return s.c.Peers.Count(), nil

	case "loadNodeTypes":
		var p struct {
			BaseURL string `json:"baseUrl"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode loadNodeTypes params: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := s.c.Dispatcher.LoadNodeTypes(ctx, p.BaseURL); err != nil {
			return nil, err
		}
		if s.c.NodeTypeCache != nil {
			if types, ok := s.c.Dispatcher.Snapshot(); ok {
				if err := s.c.NodeTypeCache.WriteAll(ctx, types); err != nil {
					s.c.Logger.Warn("write node type cache failed", "error", err)
				}
			}
		}
		return nil, nil

	case "storeVersion":
		var p struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode storeVersion params: %w", err)
		}
		return nil, s.c.Dispatcher.StoreVersion(p.Version)

	case "getStoredVersion":
		return s.c.Dispatcher.GetStoredVersion()

	case "executeWorkflow":
		var p struct {
			WorkflowID      string `json:"workflowId"`
			BaseURL         string `json:"baseUrl"`
			WSBaseURL       string `json:"wsBaseUrl"`
			TriggerNodeName string `json:"triggerNodeName"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode executeWorkflow params: %w", err)
		}
		if p.BaseURL == "" {
			p.BaseURL = s.c.Config.Remote.OrchestratorBaseURL
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		executionID, err := s.c.Executor.ExecuteWorkflow(ctx, p.WorkflowID, p.BaseURL, p.WSBaseURL, p.TriggerNodeName)
		if err != nil {
			return nil, err
		}
		if executionID == "" {
			return nil, nil
		}
		return map[string]string{"executionId": executionID}, nil

	case "resolveExpression":
		var p struct {
			WorkflowID string `json:"workflowId"`
			Expression string `json:"expression"`
			NodeName   string `json:"nodeName"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode resolveExpression params: %w", err)
		}
		exprCtx := buildExprContext(s.c.Docs, p.WorkflowID, p.NodeName)
		value, err := s.c.Evaluator.Evaluate(p.Expression, exprCtx)
		if err != nil {
			return nil, nil // spec: on-demand resolution yields null, not a protocol error
		}
		return map[string]interface{}{"value": value}, nil

	default:
		return nil, fmt.Errorf("unknown control method %q", method)
	}
}

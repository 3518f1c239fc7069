// Package httpapi is the coordinator's HTTP/WebSocket surface: the control
// connection each peer opens to register, dispatch queries, and invoke
// execution/resolution RPCs; the binary doc-channel connection each peer
// opens to subscribe to and mutate a document; and a small
// debug/introspection REST surface. Modeled on `cmd/orchestrator`'s Echo
// wiring (routes/ + handlers/ + container/) generalized from one-shot REST
// handlers to a pair of long-lived WebSocket surfaces, using
// `internal/wsconn` for the connection plumbing the way `cmd/fanout` uses
// gorilla/websocket directly.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/tabcoord/internal/wsconn"
)

// rpcTimeout bounds how long the coordinator waits on a reverse call to a
// peer's data worker before treating it as failed.
const rpcTimeout = 15 * time.Second

// rpcMessage is the single envelope shape used on the control connection in
// both directions: a peer invoking a coordinator method, or the
// coordinator invoking a method on the peer's data worker. Exactly one of
// (Method) or (Result, Error) is meaningful on a given message.
type rpcMessage struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PeerConn wraps one peer's control WebSocket. It answers the coordinator's
// calls into the peer's embedded data worker by correlating request and
// response frames over the same connection, and it is also where the
// peer's own RPC requests (registerTab, exec, executeWorkflow, ...)
// arrive, dispatched by the control handler.
type PeerConn struct {
	id   string
	conn *wsconn.Conn

	mu      sync.Mutex
	pending map[string]chan rpcMessage
	counter uint64
}

// NewPeerConn wraps an accepted control connection. The wrapped
// wsconn.Conn's OnMessage must be set and its Run started by the caller.
func NewPeerConn(id string, conn *wsconn.Conn) *PeerConn {
	return &PeerConn{id: id, conn: conn, pending: make(map[string]chan rpcMessage)}
}

func (p *PeerConn) nextID() string {
	n := atomic.AddUint64(&p.counter, 1)
	return fmt.Sprintf("%s-%d", p.id, n)
}

// resolve delivers an inbound response frame to whichever call() is
// awaiting it. It returns false if the message is not a response to any
// outstanding call.
func (p *PeerConn) resolve(msg rpcMessage) bool {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// call invokes a method on the peer's side of the connection (its
// embedded data worker) and blocks for the matching response.
func (p *PeerConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}

	id := p.nextID()
	ch := make(chan rpcMessage, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	out, err := json.Marshal(rpcMessage{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc envelope: %w", err)
	}
	if !p.conn.Send(wsconn.TextFrame(out)) {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("rpc call %s: peer connection closed", method)
	}

	timeout := rpcTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return nil, fmt.Errorf("rpc call %s: %s", method, msg.Error)
		}
		return msg.Result, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("rpc call %s: timed out after %s", method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// respond sends a response frame for a request the peer issued to us.
func (p *PeerConn) respond(id string, result interface{}, callErr error) {
	msg := rpcMessage{ID: id}
	if callErr != nil {
		msg.Error = callErr.Error()
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = fmt.Sprintf("marshal result: %v", err)
		} else {
			msg.Result = raw
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.conn.Send(wsconn.TextFrame(raw))
}

// dataWorker adapts a PeerConn to peerreg.DataWorker by making reverse RPC
// calls for every method, forwarding each one to the active peer's data
// worker over its own RPC endpoint.
type dataWorker struct {
	peer *PeerConn
}

func (d *dataWorker) Exec(sql string) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	_, err := d.peer.call(ctx, "dataWorker.exec", map[string]string{"sql": sql})
	return err
}

func (d *dataWorker) Query(sql string) ([]map[string]interface{}, error) {
	return d.QueryWithParams(sql, nil)
}

func (d *dataWorker) QueryWithParams(sql string, params []interface{}) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	raw, err := d.peer.call(ctx, "dataWorker.queryWithParams", map[string]interface{}{"sql": sql, "params": params})
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode query rows: %w", err)
		}
	}
	return rows, nil
}

func (d *dataWorker) BulkUpsertNodeTypes(types map[string][]byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	_, err := d.peer.call(ctx, "dataWorker.bulkUpsertNodeTypes", map[string]interface{}{"types": types})
	return err
}

func (d *dataWorker) ListNodeTypes() (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	raw, err := d.peer.call(ctx, "dataWorker.listNodeTypes", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode node types: %w", err)
		}
	}
	return out, nil
}

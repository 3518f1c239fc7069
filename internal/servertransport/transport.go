// Package servertransport is the Server-Backed Transport (C6): for a
// document whose subscribe URL is a WebSocket endpoint, it maintains a
// reconnecting link to that remote CRDT server, proxies SYNC/AWARENESS
// bytes in both directions, and rebuilds the local workflow mirror on the
// first inbound sync after each (re)connect so expression resolution has
// data to work with. Grounded on `common/hub.Hub.Run()`'s
// reconnect-and-resubscribe loop, generalized from "reconnect to Redis
// pub/sub" to "reconnect to a remote WebSocket CRDT server", dialed via
// `internal/wsconn.Dial` (an outbound dial, documented as an Open Question
// resolution in DESIGN.md since the grounding reference only shows
// accepted connections).
package servertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/wsconn"
)

// Broadcast is invoked to fan an envelope out to every peer subscribed to
// a document (the Broadcast Fabric, C10).
type Broadcast func(docID string, env docchannel.Envelope)

// Transport owns one document's link to a remote CRDT server.
type Transport struct {
	entry        *docregistry.Entry
	serverURL    string
	retryBackoff time.Duration
	log          *coordlog.Logger
	broadcast    Broadcast

	mu            sync.Mutex
	conn          *wsconn.Conn
	firstSyncDone bool
	cancel        context.CancelFunc
	closed        bool
}

// New creates a Transport for entry, which must be in docregistry.ModeServer.
func New(entry *docregistry.Entry, serverURL string, retryBackoff time.Duration, broadcast Broadcast, log *coordlog.Logger) *Transport {
	return &Transport{
		entry:        entry,
		serverURL:    serverURL,
		retryBackoff: retryBackoff,
		broadcast:    broadcast,
		log:          log.WithDoc(entry.DocID, "server"),
	}
}

// Start begins the reconnect loop in the background and registers this
// transport as the document's disposer. It returns immediately; connection
// failures are retried, not returned as an error.
func (t *Transport) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.entry.Dispose = t.dispose
	go t.connectLoop(ctx)
}

func (t *Transport) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.connectOnce(ctx); err != nil {
			t.log.Warn("server transport connect failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.retryBackoff):
		}
	}
}

func (t *Transport) connectOnce(ctx context.Context) error {
	conn, _, err := wsconn.Dial(ctx, t.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.entry.DocID, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.firstSyncDone = false
	t.mu.Unlock()

	conn.OnMessage = t.handleInbound
	conn.OnClose = func(err error) {
		t.log.Info("server transport disconnected", "error", err)
		t.broadcast(t.entry.DocID, docchannel.Envelope{Type: docchannel.MessageDisconnected, DocID: t.entry.DocID})
	}

	t.broadcast(t.entry.DocID, docchannel.Envelope{Type: docchannel.MessageConnected, DocID: t.entry.DocID})
	conn.Run()
	return nil
}

func (t *Transport) handleInbound(f wsconn.Frame) {
	env, err := docchannel.Decode(f.Payload)
	if err != nil {
		t.log.Warn("malformed server frame dropped", "error", err)
		return
	}

	switch env.Type {
	case docchannel.MessageSync:
		if err := t.entry.Doc.Apply(env.Payload); err != nil {
			t.log.Warn("apply server sync failed", "error", err)
			return
		}
		t.broadcast(t.entry.DocID, env)
		t.maybeFirstSync()

	case docchannel.MessageAwareness:
		t.broadcast(t.entry.DocID, env)

	default:
	}
}

// maybeFirstSync rebuilds the local workflow mirror from the document the
// first time a SYNC lands after (re)connect, then announces INITIAL_SYNC
// only once the mirror is ready, so late joiners never see a notice before
// the data it describes.
func (t *Transport) maybeFirstSync() {
	t.mu.Lock()
	if t.firstSyncDone {
		t.mu.Unlock()
		return
	}
	t.firstSyncDone = true
	t.mu.Unlock()

	raw, err := t.entry.Doc.State()
	if err != nil {
		t.log.Warn("snapshot document for mirror rebuild failed", "error", err)
		return
	}

	var mirror map[string]interface{}
	if err := json.Unmarshal(raw, &mirror); err != nil {
		t.log.Warn("decode document for mirror rebuild failed", "error", err)
		return
	}

	t.entry.Lock()
	t.entry.LocalMirror = mirror
	t.entry.Seeded = true
	t.entry.Unlock()

	t.broadcast(t.entry.DocID, docchannel.Envelope{Type: docchannel.MessageInitialSync, DocID: t.entry.DocID})
}

// Forward proxies a peer-originated SYNC or AWARENESS envelope to the
// remote server. It is a no-op if no link has been established yet, and a
// frame forwarded while the link is down is dropped: server-mode edits are
// not applied to the local document, nor replayed on reconnect. The remote
// server, not this coordinator, is authoritative for server-backed documents.
func (t *Transport) Forward(env docchannel.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	raw, err := docchannel.Encode(env)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	conn.Send(wsconn.BinaryFrame(raw))
	return nil
}

func (t *Transport) dispose(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

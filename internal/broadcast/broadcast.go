// Package broadcast is the Broadcast Fabric (C10): a pure fan-out over a
// document's subscribed peers, preserving per-peer FIFO delivery order.
// Grounded on `common/hub.Hub.broadcastToUsername`'s iterate-and-send
// pattern.
package broadcast

import (
	"sync"

	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/wsconn"
)

// Sender is anything that can accept an outbound doc-channel frame for one
// peer.
type Sender interface {
	Send(payload []byte) bool
}

// ConnSender adapts a *wsconn.Conn (which sends typed Frames) to Sender.
type ConnSender struct{ Conn *wsconn.Conn }

// Send wraps payload as a binary frame and enqueues it on the connection.
func (c ConnSender) Send(payload []byte) bool {
	return c.Conn.Send(wsconn.BinaryFrame(payload))
}

// Fabric tracks which peers are subscribed to which documents and fans out
// envelopes to them.
type Fabric struct {
	mu   sync.RWMutex
	subs map[string]map[string]Sender // docID -> peerID -> sender
}

// New creates an empty Fabric.
func New() *Fabric {
	return &Fabric{subs: make(map[string]map[string]Sender)}
}

// Subscribe registers peerID as a recipient of docID's broadcasts.
func (f *Fabric) Subscribe(docID, peerID string, sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()

	peers, ok := f.subs[docID]
	if !ok {
		peers = make(map[string]Sender)
		f.subs[docID] = peers
	}
	peers[peerID] = sender
}

// Unsubscribe removes peerID from docID's recipient set. Safe to call for
// an unknown document or peer; both are a no-op.
func (f *Fabric) Unsubscribe(docID, peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	peers, ok := f.subs[docID]
	if !ok {
		return
	}
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(f.subs, docID)
	}
}

// UnsubscribeAll removes peerID from every document it was subscribed to,
// used on peer disconnect.
func (f *Fabric) UnsubscribeAll(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for docID, peers := range f.subs {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(f.subs, docID)
		}
	}
}

// Broadcast sends env's framed bytes to every peer subscribed to env.DocID
// except excludePeerID (pass "" to exclude no one). Each peer's Sender
// decides delivery order on its own connection, so per-peer FIFO is
// preserved automatically by iterating once and calling Send in sequence;
// there are no ordering guarantees across different peers.
func (f *Fabric) Broadcast(env docchannel.Envelope, excludePeerID string) error {
	raw, err := docchannel.Encode(env)
	if err != nil {
		return err
	}

	f.mu.RLock()
	peers := f.subs[env.DocID]
	targets := make([]Sender, 0, len(peers))
	for peerID, sender := range peers {
		if peerID == excludePeerID {
			continue
		}
		targets = append(targets, sender)
	}
	f.mu.RUnlock()

	for _, sender := range targets {
		sender.Send(raw)
	}
	return nil
}

// Subscribers returns the number of peers currently subscribed to docID,
// for the debug/introspection endpoints.
func (f *Fabric) Subscribers(docID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[docID])
}

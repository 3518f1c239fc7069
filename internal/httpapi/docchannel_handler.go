package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/tabcoord/internal/broadcast"
	"github.com/lyzr/tabcoord/internal/crdtdoc"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/room"
	"github.com/lyzr/tabcoord/internal/servertransport"
	"github.com/lyzr/tabcoord/internal/wsconn"
)

// handleDocChannel upgrades a peer's binary doc-channel connection (C3):
// it answers SUBSCRIBE/UNSUBSCRIBE bookkeeping and applies/forwards
// SYNC/AWARENESS frames, dispatching to the Room (local mode) or
// Server-Backed Transport (server mode) per document.
func (s *Server) handleDocChannel(c echo.Context) error {
	peerID := c.QueryParam("peerId")
	if peerID == "" {
		return c.String(http.StatusBadRequest, "peerId query parameter is required")
	}

	ws, err := controlUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade doc channel: %w", err)
	}

	conn := wsconn.New(ws)
	conn.OnMessage = func(f wsconn.Frame) {
		s.handleDocFrame(peerID, conn, f)
	}
	conn.OnClose = func(err error) {
		s.unsubscribeAllDocs(peerID)
	}

	conn.Run()
	return nil
}

func (s *Server) handleDocFrame(peerID string, conn *wsconn.Conn, f wsconn.Frame) {
	env, err := docchannel.Decode(f.Payload)
	if err != nil {
		// Malformed envelopes are dropped silently, not treated as fatal.
		s.c.Logger.Warn("malformed doc channel frame dropped", "peer_id", peerID, "error", err)
		return
	}

	switch env.Type {
	case docchannel.MessageSubscribe:
		s.subscribeDoc(peerID, conn, env)
	case docchannel.MessageUnsubscribe:
		s.unsubscribeDoc(peerID, env.DocID)
	case docchannel.MessageSync:
		s.handleSync(peerID, env)
	case docchannel.MessageAwareness:
		s.handleAwareness(peerID, env)
	default:
		s.c.Logger.Warn("unexpected doc channel message type", "type", env.Type.String())
	}
}

// subscribeDoc handles a SUBSCRIBE frame: workflow documents (local or
// server-backed, decided by whether a server URL payload accompanies the
// subscribe) are created lazily via the Document Registry; execution
// documents send current state immediately if they already exist.
func (s *Server) subscribeDoc(peerID string, conn *wsconn.Conn, env docchannel.Envelope) {
	sender := broadcast.ConnSender{Conn: conn}

	if docregistry.IsExecutionDoc(env.DocID) {
		entry, created := s.c.Docs.GetOrCreate(env.DocID, docregistry.ModeExecution)
		s.c.Broadcast.Subscribe(env.DocID, peerID, sender)
		s.trackSub(peerID, env.DocID)

		if !created {
			if raw, err := entry.Doc.State(); err == nil {
				conn.Send(wsconn.BinaryFrame(mustEncode(docchannel.Envelope{Type: docchannel.MessageSync, DocID: env.DocID, Payload: raw})))
			}
		}
		conn.Send(wsconn.BinaryFrame(mustEncode(docchannel.Envelope{Type: docchannel.MessageInitialSync, DocID: env.DocID})))
		return
	}

	serverURL := string(env.Payload)
	mode := docregistry.ModeLocal
	if serverURL != "" {
		mode = docregistry.ModeServer
	}

	entry, created := s.c.Docs.GetOrCreate(env.DocID, mode)
	s.c.Broadcast.Subscribe(env.DocID, peerID, sender)
	s.trackSub(peerID, env.DocID)

	if created {
		s.startDocument(entry, mode, env.DocID, serverURL)
		return
	}

	// Late joiner onto an already-seeded document: send current state, then
	// signal subscription complete.
	if raw, err := entry.Doc.State(); err == nil {
		conn.Send(wsconn.BinaryFrame(mustEncode(docchannel.Envelope{Type: docchannel.MessageSync, DocID: env.DocID, Payload: raw})))
	}
	conn.Send(wsconn.BinaryFrame(mustEncode(docchannel.Envelope{Type: docchannel.MessageInitialSync, DocID: env.DocID})))
}

// startDocument creates and starts the Room (local) or Transport (server)
// backing a freshly-registered document entry.
func (s *Server) startDocument(entry *docregistry.Entry, mode docregistry.Mode, docID, serverURL string) {
	broadcastFn := func(targetDocID string, env docchannel.Envelope) {
		if err := s.c.Broadcast.Broadcast(env, ""); err != nil {
			s.c.Logger.Error("doc broadcast failed", "doc_id", targetDocID, "error", err)
		}
		if s.c.ClusterFanout != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.c.ClusterFanout.Publish(ctx, env); err != nil {
				s.c.Logger.Warn("cluster fanout publish failed", "doc_id", targetDocID, "error", err)
			}
		}
	}

	if mode == docregistry.ModeServer {
		transport := servertransport.New(entry, serverURL, s.c.Config.Timing.ServerTransportRetryBackoff, broadcastFn, s.c.Logger)
		s.mu.Lock()
		s.transports[docID] = transport
		s.mu.Unlock()
		transport.Start(context.Background())
		return
	}

	workflowID := docID
	rm := room.New(entry, s.c.Remote, s.c.Dispatcher, s.c.Sweeper, s.c.Config.Remote.OrchestratorBaseURL, workflowID, s.c.Config.Timing.SaveDebounce, s.c.Config.Timing.ResolveDebounce, s.c.Logger)
	s.mu.Lock()
	s.rooms[docID] = rm
	s.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rm.Seed(ctx); err != nil {
			s.c.Logger.Error("seed document failed", "doc_id", docID, "error", err)
			return
		}
		if raw, err := entry.Doc.State(); err == nil {
			broadcastFn(docID, docchannel.Envelope{Type: docchannel.MessageSync, DocID: docID, Payload: raw})
		}
		broadcastFn(docID, docchannel.Envelope{Type: docchannel.MessageInitialSync, DocID: docID})
	}()
}

// unsubscribeDoc handles an UNSUBSCRIBE frame: drop the peer's
// subscription and awareness entries; dispose the document once no
// subscribers remain.
func (s *Server) unsubscribeDoc(peerID, docID string) {
	s.cleanupAwareness(peerID, docID)
	s.c.Broadcast.Unsubscribe(docID, peerID)
	s.untrackSub(peerID, docID)

	if s.c.Broadcast.Subscribers(docID) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.c.Docs.Remove(ctx, docID); err != nil {
		s.c.Logger.Error("dispose document failed", "doc_id", docID, "error", err)
	}
	s.forgetDocument(docID)
}

func (s *Server) forgetDocument(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, docID)
	delete(s.transports, docID)
}

func (s *Server) unsubscribeAllDocs(peerID string) {
	s.mu.Lock()
	docs := make([]string, 0, len(s.peerDocs[peerID]))
	for d := range s.peerDocs[peerID] {
		docs = append(docs, d)
	}
	delete(s.peerDocs, peerID)
	s.mu.Unlock()

	s.c.Broadcast.UnsubscribeAll(peerID)
	for _, d := range docs {
		s.cleanupAwareness(peerID, d)
	}
	s.mu.Lock()
	delete(s.peerClients, peerID)
	s.mu.Unlock()

	for _, d := range docs {
		if s.c.Broadcast.Subscribers(d) > 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.c.Docs.Remove(ctx, d); err != nil {
			s.c.Logger.Error("dispose document failed", "doc_id", d, "error", err)
		}
		cancel()
		s.forgetDocument(d)
	}
}

// handleSync handles a SYNC frame, distinguishing local mode (apply to the
// document directly, broadcast to the rest) from server mode (forward to
// the remote server, which echoes its own SYNC back through the
// Server-Backed Transport).
func (s *Server) handleSync(peerID string, env docchannel.Envelope) {
	entry, ok := s.c.Docs.Get(env.DocID)
	if !ok {
		return
	}

	if entry.Mode == docregistry.ModeServer {
		// Server-mode mutations flow through the remote link; the server
		// echoes its own SYNC back through the Server-Backed Transport,
		// which applies it and re-broadcasts.
		s.mu.Lock()
		transport := s.transports[env.DocID]
		s.mu.Unlock()
		if transport != nil {
			if err := transport.Forward(env); err != nil {
				s.c.Logger.Warn("forward sync to server failed", "doc_id", env.DocID, "error", err)
			}
		}
		return
	}

	observeNodes := entry.Mode == docregistry.ModeLocal && !docregistry.IsExecutionDoc(env.DocID)
	var nodesBefore map[string]interface{}
	if observeNodes {
		nodesBefore = docNodes(entry)
	}

	if err := entry.Doc.Apply(crdtdoc.Patch(env.Payload)); err != nil {
		s.c.Logger.Warn("apply sync patch failed", "doc_id", env.DocID, "error", err)
		return
	}
	if err := s.c.Broadcast.Broadcast(env, peerID); err != nil {
		s.c.Logger.Error("broadcast sync failed", "doc_id", env.DocID, "error", err)
	}

	if observeNodes {
		s.mu.Lock()
		rm := s.rooms[env.DocID]
		s.mu.Unlock()
		if rm != nil {
			rm.ObserveNodeChanges(nodesBefore, docNodes(entry))
			rm.OnMutation()
		}
	}
}

// docNodes snapshots a local document's nodes field, used to diff a SYNC
// apply's effect since crdtdoc.Doc exposes no observe hook of its own.
func docNodes(entry *docregistry.Entry) map[string]interface{} {
	raw, err := entry.Doc.State()
	if err != nil {
		return nil
	}
	var snapshot struct {
		Nodes map[string]interface{} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil
	}
	return snapshot.Nodes
}

func (s *Server) handleAwareness(peerID string, env docchannel.Envelope) {
	frame, err := decodeAwareness(env.Payload)
	if err != nil {
		s.c.Logger.Warn("malformed awareness payload dropped", "doc_id", env.DocID, "error", err)
		return
	}

	entry, ok := s.c.Docs.Get(env.DocID)
	if ok {
		entry.Doc.Transact(func(data map[string]interface{}) error {
			applyAwareness(data, frame)
			return nil
		})
		s.trackClient(peerID, env.DocID, frame.ClientID)
	}

	// AWARENESS is delivered to all subscribers including the sender, so
	// the sender's own UI reflects the canonical merged state.
	if err := s.c.Broadcast.Broadcast(env, ""); err != nil {
		s.c.Logger.Error("broadcast awareness failed", "doc_id", env.DocID, "error", err)
	}
}

func (s *Server) trackSub(peerID, docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerDocs[peerID] == nil {
		s.peerDocs[peerID] = make(map[string]struct{})
	}
	s.peerDocs[peerID][docID] = struct{}{}
}

func (s *Server) untrackSub(peerID, docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if docs, ok := s.peerDocs[peerID]; ok {
		delete(docs, docID)
	}
}

func (s *Server) trackClient(peerID, docID, clientID string) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerClients[peerID] == nil {
		s.peerClients[peerID] = make(map[string]map[string]struct{})
	}
	if s.peerClients[peerID][docID] == nil {
		s.peerClients[peerID][docID] = make(map[string]struct{})
	}
	s.peerClients[peerID][docID][clientID] = struct{}{}
}

// cleanupAwareness removes every awareness entry a peer announced on docID
// and broadcasts the removal.
func (s *Server) cleanupAwareness(peerID, docID string) {
	s.mu.Lock()
	clients := s.peerClients[peerID][docID]
	var ids []string
	for id := range clients {
		ids = append(ids, id)
	}
	if s.peerClients[peerID] != nil {
		delete(s.peerClients[peerID], docID)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	entry, ok := s.c.Docs.Get(docID)
	if !ok {
		return
	}

	var removed bool
	entry.Doc.Transact(func(data map[string]interface{}) error {
		removed = removeAwareness(data, ids)
		return nil
	})
	if !removed {
		return
	}

	if err := s.c.Broadcast.Broadcast(docchannel.Envelope{
		Type:    docchannel.MessageAwareness,
		DocID:   docID,
		Payload: encodeAwareness(awarenessFrame{Remove: ids}),
	}, ""); err != nil {
		s.c.Logger.Error("broadcast awareness removal failed", "doc_id", docID, "error", err)
	}
}

func mustEncode(env docchannel.Envelope) []byte {
	raw, err := docchannel.Encode(env)
	if err != nil {
		return nil
	}
	return raw
}

// Package peerreg is the Peer Registry & Leadership component (C1): it
// tracks connected peers, elects one as the active data worker, and
// re-elects deterministically on disconnect.
package peerreg

import (
	"errors"
	"sync"
)

// ErrNotInitialized is returned when a dispatched operation is attempted
// before initialize({version, baseUrl}) has ever been called.
var ErrNotInitialized = errors.New("peerreg: not initialized")

// ErrNoActivePeer is returned when an operation is dispatched with zero
// peers connected.
var ErrNoActivePeer = errors.New("peerreg: no active peer")

// DataWorker is the RPC endpoint a peer exposes for SQL-exec/schema
// operations (the embedded database the active peer owns) and node-type
// catalog maintenance.
type DataWorker interface {
	Exec(sql string) error
	Query(sql string) ([]map[string]interface{}, error)
	QueryWithParams(sql string, params []interface{}) ([]map[string]interface{}, error)

	// BulkUpsertNodeTypes stores the fetched node-type catalog in the
	// active peer's embedded database.
	BulkUpsertNodeTypes(types map[string][]byte) error
	// ListNodeTypes returns the full node-type catalog as currently stored
	// in the active peer's embedded database, keyed by "<name>@<version>".
	ListNodeTypes() (map[string][]byte, error)
}

// Peer is one connected browser tab.
type Peer struct {
	ID         string
	DataWorker DataWorker
	Live       bool
}

// State is the remembered initialization the registry replays against a
// newly elected active peer before its first use.
type State struct {
	Version int64
	BaseURL string
}

// Registry holds all connected peers and the current leadership state.
type Registry struct {
	mu          sync.Mutex
	peers       map[string]*Peer
	order       []string // registration order, for deterministic re-election
	activeID    string
	initialized bool
	state       State
	onReplay    func(p *Peer, s State) error
}

// New creates an empty registry. onReplay, if non-nil, is invoked against
// the newly elected active peer whenever leadership changes and the
// registry is initialized, so the new leader's data worker observes the
// same {version, baseUrl} the previous leader did.
func New(onReplay func(p *Peer, s State) error) *Registry {
	return &Registry{
		peers:    make(map[string]*Peer),
		onReplay: onReplay,
	}
}

// Register records the peer under the given id with its data worker, and
// promotes it to active if there is currently no active peer.
func (r *Registry) Register(id string, dw DataWorker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Peer{ID: id, DataWorker: dw, Live: true}
	r.peers[id] = p
	r.order = append(r.order, id)

	if r.activeID == "" {
		r.activeID = id
		if r.initialized {
			return r.replayLocked(p)
		}
	}
	return nil
}

// Unregister removes a peer. If it was active, the next peer in
// registration order is promoted; if no peer remains the registry retains
// its remembered state for the next Register call to rehydrate against.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return nil
	}
	delete(r.peers, id)
	r.order = removeID(r.order, id)

	if r.activeID != id {
		return nil
	}

	r.activeID = ""
	for _, candidateID := range r.order {
		if p, ok := r.peers[candidateID]; ok && p.Live {
			r.activeID = candidateID
			if r.initialized {
				return r.replayLocked(p)
			}
			break
		}
	}
	return nil
}

func (r *Registry) replayLocked(p *Peer) error {
	if r.onReplay == nil {
		return nil
	}
	return r.onReplay(p, r.state)
}

// Initialize records the remembered {version, baseUrl} and, if there is
// a current active peer, replays it immediately.
func (r *Registry) Initialize(version int64, baseURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = State{Version: version, BaseURL: baseURL}
	r.initialized = true

	if r.activeID == "" {
		return nil
	}
	p := r.peers[r.activeID]
	return r.replayLocked(p)
}

// ActivePeer returns the current active peer's data worker, erroring with
// ErrNotInitialized or ErrNoActivePeer as appropriate.
func (r *Registry) ActivePeer() (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if r.activeID == "" {
		return nil, ErrNoActivePeer
	}
	return r.peers[r.activeID], nil
}

// ActiveID returns the current active peer id, or "" if none.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// IsInitialized reports whether initialize() has ever been called.
func (r *Registry) IsInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// StoredState returns the remembered {version, baseUrl}.
func (r *Registry) StoredState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

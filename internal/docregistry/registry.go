// Package docregistry is the Document Registry (C4): per-document state
// holding the CRDT document, its mode (local vs server-backed), seeding
// status, and disposer functions.
package docregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lyzr/tabcoord/internal/crdtdoc"
)

// Mode is which backing discipline a workflow document uses.
type Mode string

const (
	// ModeLocal means the coordinator itself seeds, mutates, and persists
	// the document via REST (the Seeder & Persister / Room, C5).
	ModeLocal Mode = "local"
	// ModeServer means the coordinator proxies a remote WebSocket CRDT
	// server (the Server-Backed Transport, C6) and treats it as authoritative.
	ModeServer Mode = "server"
	// ModeExecution marks a sibling execution document (id prefixed exec-),
	// which has no seeding/persistence step of its own.
	ModeExecution Mode = "execution"
)

// ExecutionDocPrefix is the id prefix that marks a document as an
// execution document rather than a workflow document.
const ExecutionDocPrefix = "exec-"

// IsExecutionDoc reports whether docID names an execution document.
func IsExecutionDoc(docID string) bool {
	return strings.HasPrefix(docID, ExecutionDocPrefix)
}

// Entry is one document's coordinator-side bookkeeping.
type Entry struct {
	DocID  string
	Mode   Mode
	Doc    *crdtdoc.Doc
	Seeded bool

	// LocalMirror is the in-memory workflow-object projection used by
	// handle recomputation, expression-rename, and the resolver. It is
	// kept separate from Doc itself because it is a denormalized,
	// non-CRDT view rebuilt from the document on every relevant change.
	LocalMirror map[string]interface{}

	// Dispose releases whatever the seeder/transport attached to this
	// entry (Room's final save, or the server transport's close). It is
	// nil until seeding (local) or connect (server) completes.
	Dispose func(ctx context.Context) error

	mu sync.Mutex
}

// Lock/Unlock let callers serialize the (mirror, seeded) read-modify-write
// sequences that handle recomputation and expression rename perform,
// without taking the heavier crdtdoc.Doc lock for bookkeeping-only changes.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Registry is the coordinator-wide map of document id to Entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// GetOrCreate returns the existing entry for docID, or creates one in the
// given mode if none exists yet. The second return reports whether the
// entry was just created.
func (r *Registry) GetOrCreate(docID string, mode Mode) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[docID]; ok {
		return e, false
	}

	e := &Entry{
		DocID: docID,
		Mode:  mode,
		Doc:   crdtdoc.New(),
	}
	r.entries[docID] = e
	return e, true
}

// Get returns the entry for docID, if any.
func (r *Registry) Get(docID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[docID]
	return e, ok
}

// Remove deletes and disposes the entry for docID. Safe to call when the
// entry doesn't exist; unsubscribing an unknown document is a no-op.
func (r *Registry) Remove(ctx context.Context, docID string) error {
	r.mu.Lock()
	e, ok := r.entries[docID]
	if ok {
		delete(r.entries, docID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if e.Dispose == nil {
		return nil
	}
	if err := e.Dispose(ctx); err != nil {
		return fmt.Errorf("dispose document %s: %w", docID, err)
	}
	return nil
}

// Len reports how many documents are currently registered, used by the
// debug/introspection endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a point-in-time copy of (docID, mode, seeded) for every
// registered document, for the debug endpoint.
func (r *Registry) Snapshot() []DocSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DocSummary, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, DocSummary{DocID: id, Mode: e.Mode, Seeded: e.Seeded})
	}
	return out
}

// DocSummary is the debug-endpoint projection of an Entry.
type DocSummary struct {
	DocID  string `json:"docId"`
	Mode   Mode   `json:"mode"`
	Seeded bool   `json:"seeded"`
}

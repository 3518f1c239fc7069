// Package crdtdoc implements the coordinator's representation of a
// replicated document. The coordinator is the sole mutation authority for
// every document it hosts (peers never mutate a document directly — they
// send SYNC bytes that the coordinator applies on their behalf), so full
// multi-writer CRDT merge semantics are never exercised: convergence comes
// from there being exactly one sequencer, not from commutative merge. A
// document here is therefore a guarded plain JSON tree plus an RFC 7386
// JSON Merge Patch (github.com/evanphx/json-patch) change representation,
// which is both the in-memory transaction unit and the SYNC wire payload.
package crdtdoc

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Doc is a single mutex-guarded JSON document. All mutation happens inside
// Transact, matching the "assemble all inputs beforehand, then enter the
// transaction synchronously" guidance for CRDT transactions: no I/O may
// happen while the lock is held.
type Doc struct {
	mu   sync.Mutex
	data map[string]interface{}
}

// New creates an empty document.
func New() *Doc {
	return &Doc{data: map[string]interface{}{}}
}

// FromJSON creates a document pre-populated from raw JSON.
func FromJSON(raw []byte) (*Doc, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &Doc{data: data}, nil
}

// State returns the current document marshaled to JSON. This is what gets
// sent as a SYNC payload to a newly subscribed or late-joining peer.
func (d *Doc) State() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(d.data)
}

// Transact runs fn with the document locked, giving fn a mutable view it
// may read and write freely, then returns the JSON Merge Patch describing what
// changed (the SYNC broadcast payload) along with fn's error, if any. On
// error the document is left exactly as fn mutated it — callers that need
// all-or-nothing semantics should build their patch set before calling
// Transact rather than returning partway through an edit.
func (d *Doc) Transact(fn func(data map[string]interface{}) error) (Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before, err := json.Marshal(d.data)
	if err != nil {
		return nil, fmt.Errorf("snapshot before transaction: %w", err)
	}

	if err := fn(d.data); err != nil {
		return nil, err
	}

	after, err := json.Marshal(d.data)
	if err != nil {
		return nil, fmt.Errorf("snapshot after transaction: %w", err)
	}

	ops, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, fmt.Errorf("diff transaction: %w", err)
	}
	return Patch(ops), nil
}

// Apply applies an inbound SYNC payload (a merge patch produced by another
// Doc's Transact, or sent verbatim by a peer) to this document.
func (d *Doc) Apply(patch Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	before, err := json.Marshal(d.data)
	if err != nil {
		return fmt.Errorf("snapshot before apply: %w", err)
	}

	merged, err := jsonpatch.MergePatch(before, patch)
	if err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(merged, &data); err != nil {
		return fmt.Errorf("decode merged document: %w", err)
	}
	d.data = data
	return nil
}

// Patch is a JSON Merge Patch (RFC 7386) byte payload: the wire and
// in-memory representation of one coordinator-sequenced change. It is
// deliberately a merge patch rather than an RFC 6902 operation list,
// because the ambient pattern this is grounded on — run-patch
// materialization via a jsonpatch-based base+patch-chain flow — already
// treats "the diff between two JSON states" as the primary unit.
type Patch []byte

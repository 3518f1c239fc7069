// Package dispatch is the Query Dispatcher (C2): it forwards SQL-exec and
// node-type loading operations to the active peer's data worker, and
// maintains the coordinator's in-memory node-type cache.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/peerreg"
)

// NodeTypeFetcher retrieves the node-type catalog from the remote server,
// the way the Seeder & Persister fetches workflows via REST.
type NodeTypeFetcher interface {
	FetchNodeTypes(ctx context.Context, baseURL string) (map[string][]byte, error)
}

// Dispatcher forwards calls to the active peer and owns the node-types
// cache, which is read-many/write-once per coordinator lifetime, replaced
// only on an explicit loadNodeTypes call.
type Dispatcher struct {
	peers   *peerreg.Registry
	fetcher NodeTypeFetcher
	log     *coordlog.Logger

	mu             sync.RWMutex
	nodeTypes      map[string][]byte
	nodeTypesReady chan struct{}
	readyClosed    bool

	// OnNodeTypesReady, if set, is invoked after the cache is populated so
	// in-flight seeders blocked on nodeTypesReady can be unblocked even if
	// they registered before this Dispatcher's channel existed.
	OnNodeTypesReady func()
}

// New creates a dispatcher. It starts with the "not ready" gate closed
// until the first successful loadNodeTypes call.
func New(peers *peerreg.Registry, fetcher NodeTypeFetcher, log *coordlog.Logger) *Dispatcher {
	return &Dispatcher{
		peers:          peers,
		fetcher:        fetcher,
		log:            log,
		nodeTypes:      make(map[string][]byte),
		nodeTypesReady: make(chan struct{}),
	}
}

// Exec forwards a write statement to the active peer's data worker.
func (d *Dispatcher) Exec(sql string) error {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return err
	}
	return p.DataWorker.Exec(sql)
}

// Query forwards a read statement to the active peer's data worker.
func (d *Dispatcher) Query(sql string) ([]map[string]interface{}, error) {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return nil, err
	}
	return p.DataWorker.Query(sql)
}

// QueryWithParams forwards a parameterized read statement.
func (d *Dispatcher) QueryWithParams(sql string, params []interface{}) ([]map[string]interface{}, error) {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return nil, err
	}
	return p.DataWorker.QueryWithParams(sql, params)
}

// LoadNodeTypes fetches the catalog from baseURL, has the active peer's
// data worker bulk-upsert it, pulls the full list back from that worker,
// populates the in-memory cache, and unblocks NodeTypesReady.
func (d *Dispatcher) LoadNodeTypes(ctx context.Context, baseURL string) error {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return err
	}

	fetched, err := d.fetcher.FetchNodeTypes(ctx, baseURL)
	if err != nil {
		return fmt.Errorf("fetch node types: %w", err)
	}

	if err := p.DataWorker.BulkUpsertNodeTypes(fetched); err != nil {
		return fmt.Errorf("bulk upsert node types: %w", err)
	}

	stored, err := p.DataWorker.ListNodeTypes()
	if err != nil {
		return fmt.Errorf("list node types: %w", err)
	}

	d.mu.Lock()
	d.nodeTypes = stored
	if !d.readyClosed {
		close(d.nodeTypesReady)
		d.readyClosed = true
	}
	d.mu.Unlock()

	d.log.Info("node types loaded", "count", len(stored))
	if d.OnNodeTypesReady != nil {
		d.OnNodeTypesReady()
	}
	return nil
}

// Snapshot returns a copy of the full in-memory node-type cache, for
// callers that mirror it elsewhere (e.g. the Redis-backed catalog cache).
// ok is false if loadNodeTypes has never completed.
func (d *Dispatcher) Snapshot() (map[string][]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.readyClosed {
		return nil, false
	}
	out := make(map[string][]byte, len(d.nodeTypes))
	for k, v := range d.nodeTypes {
		out[k] = v
	}
	return out, true
}

// NodeType returns the cached definition for "<name>@<version>", if any.
func (d *Dispatcher) NodeType(nameAtVersion string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.nodeTypes[nameAtVersion]
	return def, ok
}

// NodeTypesReady returns a channel that closes once loadNodeTypes has
// completed at least once. Seeders (C5) must await this before seeding.
func (d *Dispatcher) NodeTypesReady() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodeTypesReady
}

// StoreVersion records the embedded-database schema version on the active
// peer.
func (d *Dispatcher) StoreVersion(v int64) error {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return err
	}
	return p.DataWorker.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
}

// GetStoredVersion reads the embedded-database schema version from the
// active peer.
func (d *Dispatcher) GetStoredVersion() (int64, error) {
	p, err := d.peers.ActivePeer()
	if err != nil {
		return 0, err
	}
	rows, err := p.DataWorker.Query("PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch v := rows[0]["user_version"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, nil
}

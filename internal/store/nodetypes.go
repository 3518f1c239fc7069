package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveNodeTypes mirrors the node-type catalog to Postgres so a cold-started
// coordinator can serve cached reads before the first peer re-populates it.
func (p *Pool) SaveNodeTypes(ctx context.Context, origin string, types map[string]json.RawMessage) error {
	batch := &pgxBatcher{pool: p}
	for name, def := range types {
		if err := batch.exec(ctx, `
INSERT INTO node_types (origin, type_name, definition)
VALUES ($1, $2, $3)
ON CONFLICT (origin, type_name) DO UPDATE SET definition = $3, updated_at = now()
`, origin, name, def); err != nil {
			return fmt.Errorf("save node type %s: %w", name, err)
		}
	}
	return nil
}

// LoadNodeTypes returns the durable node-type catalog mirror for an origin.
func (p *Pool) LoadNodeTypes(ctx context.Context, origin string) (map[string]json.RawMessage, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT type_name, definition FROM node_types WHERE origin = $1`, origin)
	if err != nil {
		return nil, fmt.Errorf("load node types: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name string
		var def json.RawMessage
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("scan node type row: %w", err)
		}
		out[name] = def
	}
	return out, rows.Err()
}

// pgxBatcher is a tiny helper so SaveNodeTypes reads as a sequence of
// statements without pulling in pgx.Batch's pipelining semantics, which
// would be overkill for a catalog that changes rarely.
type pgxBatcher struct {
	pool *Pool
}

func (b *pgxBatcher) exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := b.pool.Pool.Exec(ctx, sql, args...)
	return err
}

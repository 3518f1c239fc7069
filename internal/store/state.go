package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CoordinatorState is the remembered {version, baseUrl} pair the Peer
// Registry keeps across active-peer changes, as a coordinator_state row.
// Nothing in the coordinator calls SaveState or LoadState.
type CoordinatorState struct {
	Origin  string
	Version int64
	BaseURL string
}

// LoadState returns the remembered state for an origin, or (nil, nil) if
// none has been saved yet.
func (p *Pool) LoadState(ctx context.Context, origin string) (*CoordinatorState, error) {
	row := p.Pool.QueryRow(ctx,
		`SELECT version, base_url FROM coordinator_state WHERE origin = $1`, origin)

	var s CoordinatorState
	s.Origin = origin
	if err := row.Scan(&s.Version, &s.BaseURL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load coordinator state: %w", err)
	}
	return &s, nil
}

// SaveState upserts the remembered state for an origin.
func (p *Pool) SaveState(ctx context.Context, s CoordinatorState) error {
	_, err := p.Pool.Exec(ctx, `
INSERT INTO coordinator_state (origin, version, base_url)
VALUES ($1, $2, $3)
ON CONFLICT (origin) DO UPDATE SET version = $2, base_url = $3, updated_at = now()
`, s.Origin, s.Version, s.BaseURL)
	if err != nil {
		return fmt.Errorf("save coordinator state: %w", err)
	}
	return nil
}

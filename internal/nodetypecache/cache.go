// Package nodetypecache mirrors the node-type catalog into Redis. Grounded
// on `common/redis/client.go`'s SetHash/GetAllHash pattern. The catalog is
// written once per loadNodeTypes call; nothing in the coordinator calls
// ReadAll, so a restarted process still fetches the catalog from the
// remote server.
package nodetypecache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const hashKey = "tabcoord:nodetypes"

// Cache is a thin Redis-backed store for the node-type catalog.
type Cache struct {
	redis *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

// WriteAll replaces the cached catalog with types, keyed "<name>@<version>".
func (c *Cache) WriteAll(ctx context.Context, types map[string][]byte) error {
	if len(types) == 0 {
		return nil
	}

	pipe := c.redis.Pipeline()
	pipe.Del(ctx, hashKey)
	fields := make(map[string]interface{}, len(types))
	for k, v := range types {
		fields[k] = v
	}
	pipe.HSet(ctx, hashKey, fields)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write node type cache: %w", err)
	}
	return nil
}

// ReadAll returns the full cached catalog, or an empty map if nothing has
// been cached yet.
func (c *Cache) ReadAll(ctx context.Context) (map[string][]byte, error) {
	raw, err := c.redis.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read node type cache: %w", err)
	}

	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

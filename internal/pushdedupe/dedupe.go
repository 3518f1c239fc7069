// Package pushdedupe provides a Redis-backed idempotency set for push
// frames keyed by executionId:executionIndex. internal/bootstrap constructs
// one when Redis is enabled; the Push Projector does not consult it, so a
// redelivered frame is projected again. Grounded on the applied-set idempotency pattern
// (`cmd/workflow-runner/supervisor/completion.go`'s `applied:<runID>` key,
// checked via the SISMEMBER/SADD Lua sequence in
// `cmd/workflow-runner/integration_test.go`), generalized from "applied
// patch ops" to "applied push frames". go-redis's SAdd return value (count
// of members actually added) gives the same check-and-set atomicity
// without needing a Lua script.
package pushdedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Set tracks which (executionId, executionIndex) pairs have already been
// applied, in one Redis set per executionId.
type Set struct {
	redis *redis.Client
	ttl   time.Duration
}

// New wraps an existing Redis client. ttl bounds how long an execution's
// applied-set lives after its last SeenBefore call, so long-completed
// executions don't leak keys.
func New(client *redis.Client, ttl time.Duration) *Set {
	return &Set{redis: client, ttl: ttl}
}

// SeenBefore atomically records (executionID, executionIndex) as applied
// and reports whether it had already been recorded. Callers should skip
// reprocessing a frame when this returns true.
func (s *Set) SeenBefore(ctx context.Context, executionID string, executionIndex int64) (bool, error) {
	key := fmt.Sprintf("tabcoord:pushdedupe:%s", executionID)
	member := fmt.Sprintf("%d", executionIndex)

	pipe := s.redis.TxPipeline()
	addCmd := pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record push dedupe entry: %w", err)
	}

	added, err := addCmd.Result()
	if err != nil {
		return false, fmt.Errorf("read push dedupe result: %w", err)
	}
	return added == 0, nil
}

// Clear removes the applied-set for a completed execution.
func (s *Set) Clear(ctx context.Context, executionID string) error {
	key := fmt.Sprintf("tabcoord:pushdedupe:%s", executionID)
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear push dedupe set: %w", err)
	}
	return nil
}

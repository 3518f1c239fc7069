// Package bootstrap is the coordinator's composition root. It adapts the
// teacher's functional-options Setup/Components/Option pattern
// (common/bootstrap/bootstrap.go) to tabcoord's own component graph: a
// Postgres pool, an optional Redis client and everything layered on it,
// and the in-process actors (Peer Registry, Query Dispatcher, Document
// Registry, expression evaluator/resolver, Broadcast Fabric, Push
// Projector, Execution Invoker).
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/tabcoord/common/cache"
	"github.com/lyzr/tabcoord/internal/broadcast"
	"github.com/lyzr/tabcoord/internal/clusterfanout"
	"github.com/lyzr/tabcoord/internal/config"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/dispatch"
	"github.com/lyzr/tabcoord/internal/docchannel"
	"github.com/lyzr/tabcoord/internal/docregistry"
	"github.com/lyzr/tabcoord/internal/executor"
	"github.com/lyzr/tabcoord/internal/exprlang"
	"github.com/lyzr/tabcoord/internal/nodetypecache"
	"github.com/lyzr/tabcoord/internal/peerreg"
	"github.com/lyzr/tabcoord/internal/pushdedupe"
	"github.com/lyzr/tabcoord/internal/pushprojector"
	"github.com/lyzr/tabcoord/internal/remote"
	"github.com/lyzr/tabcoord/internal/resolver"
	"github.com/lyzr/tabcoord/internal/resolversweep"
	"github.com/lyzr/tabcoord/internal/store"
	"github.com/lyzr/tabcoord/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

// pushDedupeTTL bounds how long a push-frame idempotency set survives past
// the last frame recorded for its execution (see pushdedupe.New).
const pushDedupeTTL = 24 * time.Hour

// Setup wires every coordinator component and returns it as a single
// Components value. Call Shutdown(ctx) with defer immediately after a
// successful Setup.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.customConfig
	if cfg == nil {
		loaded, err := config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log := coordlog.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	c := &Components{Config: cfg, Logger: log}

	c.Telemetry = telemetry.New(cfg.Service.PprofPort, log)
	if !o.skipTelemetry {
		c.Telemetry.Start()
	}

	if cfg.Features.EnablePostgresStore && !o.skipStore {
		pool, err := store.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		c.Store = pool
		c.addCleanup(func() error {
			pool.Close()
			return nil
		})

		if o.storeInitHook != nil {
			if err := o.storeInitHook(c); err != nil {
				return nil, fmt.Errorf("store init hook: %w", err)
			}
		}
	}

	if !o.skipRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.Redis = rdb
		c.addCleanup(rdb.Close)

		c.NodeTypeCache = nodetypecache.New(rdb)
		c.PushDedupe = pushdedupe.New(rdb, pushDedupeTTL)
	}

	c.Remote = remote.New().WithCache(cache.NewMemoryCache(log), cfg.Timing.RemoteWorkflowCacheTTL)
	c.Docs = docregistry.New()
	c.Peers = peerreg.New(nil)
	c.Dispatcher = dispatch.New(c.Peers, c.Remote, log)

	evaluator, err := exprlang.New()
	if err != nil {
		return nil, fmt.Errorf("init expression evaluator: %w", err)
	}
	c.Evaluator = evaluator
	c.Resolver = resolver.New(evaluator, log)
	c.Sweeper = resolversweep.New(c.Docs, c.Resolver, log)

	c.Broadcast = broadcast.New()
	broadcastFn := func(docID string, env docchannel.Envelope) {
		if err := c.Broadcast.Broadcast(env, ""); err != nil {
			log.Error("broadcast failed", "doc_id", docID, "error", err)
		}
	}

	c.Push = pushprojector.New(cfg.Remote.PushWSBaseURL, c.Docs, broadcastFn, log)
	c.Push.OnNodeExecuteAfterData = c.Sweeper.Sweep
	c.Executor = executor.New(c.Docs, c.Push, c.Dispatcher, c.Remote, log)

	if cfg.Features.EnableClusterFanout {
		if c.Redis == nil {
			return nil, fmt.Errorf("cluster fanout requires redis; WithoutRedis and EnableClusterFanout are incompatible")
		}
		relay := clusterfanout.New(c.Redis, c.Broadcast, log)
		c.ClusterFanout = relay

		relayCtx, cancel := context.WithCancel(ctx)
		go relay.Start(relayCtx)
		c.addCleanup(func() error {
			cancel()
			return nil
		})
	}

	log.Info("bootstrap complete", "service", serviceName)
	return c, nil
}

// MustSetup calls Setup and panics on error. Intended for main().
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	c, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("bootstrap %s: %v", serviceName, err))
	}
	return c
}

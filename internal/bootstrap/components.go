package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/tabcoord/internal/broadcast"
	"github.com/lyzr/tabcoord/internal/clusterfanout"
	"github.com/lyzr/tabcoord/internal/config"
	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/dispatch"
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

// Components holds every initialized coordinator dependency.
type Components struct {
	Config    *config.Config
	Logger    *coordlog.Logger
	Store     *store.Pool
	Redis     *redis.Client
	Telemetry *telemetry.Telemetry

	Peers      *peerreg.Registry
	Dispatcher *dispatch.Dispatcher
	Docs       *docregistry.Registry
	Evaluator  *exprlang.Evaluator
	Resolver   *resolver.Resolver
	Sweeper    *resolversweep.Sweeper
	Remote     *remote.Client
	Broadcast  *broadcast.Fabric
	Push       *pushprojector.Projector
	Executor   *executor.Executor

	// Redis-backed components. Nil when WithoutRedis was given.
	NodeTypeCache *nodetypecache.Cache
	PushDedupe    *pushdedupe.Set
	ClusterFanout *clusterfanout.Relay

	cleanupFuncs []func() error
}

// addCleanup registers a cleanup function, run LIFO by Shutdown.
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// Shutdown releases every resource Setup acquired, in reverse order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health reports whether every backing store the coordinator depends on is
// reachable.
func (c *Components) Health(ctx context.Context) error {
	if c.Store != nil {
		if err := c.Store.Health(ctx); err != nil {
			return fmt.Errorf("store unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

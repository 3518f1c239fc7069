package bootstrap

import "github.com/lyzr/tabcoord/internal/config"

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipStore     bool
	skipRedis     bool
	skipTelemetry bool
	customConfig  *config.Config
	storeInitHook func(*Components) error
}

// WithoutStore skips Postgres pool initialization, leaving Components.Store
// nil. Useful for tests exercising only the in-memory components.
func WithoutStore() Option {
	return func(o *options) {
		o.skipStore = true
	}
}

// WithoutRedis skips Redis client initialization, which also disables the
// node-type cache, push dedupe set, and cluster fan-out relay.
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithCustomConfig uses a given config instead of loading one from the
// environment.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithoutTelemetry skips starting the pprof debug listener. Useful for
// tests, where multiple Setup calls in one process would otherwise race to
// bind the same port.
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithStoreInitHook runs a custom function after the store is initialized.
// Useful for running migrations in tests.
func WithStoreInitHook(hook func(*Components) error) Option {
	return func(o *options) {
		o.storeInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}

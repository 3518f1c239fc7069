// Package config loads tabcoord's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all coordinator configuration.
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Remote   RemoteConfig
	Timing   TimingConfig
	Features FeatureFlags
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	PprofPort   int
}

// DatabaseConfig holds Postgres connection settings for the durable store.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds settings for the node-type cache, push dedupe set, and
// cluster fan-out relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RemoteConfig holds the default locations of the workflow server the
// Seeder/Persister and Execution Invoker talk to when a peer does not
// override them.
type RemoteConfig struct {
	OrchestratorBaseURL string
	PushWSBaseURL       string
}

// TimingConfig holds the debounce/backoff durations left as tunable
// implementation details rather than fixed constants.
type TimingConfig struct {
	SaveDebounce                time.Duration
	ResolveDebounce             time.Duration
	RemoteWorkflowCacheTTL      time.Duration
	ServerTransportRetryBackoff time.Duration
}

// FeatureFlags toggles optional ambient components.
type FeatureFlags struct {
	EnableClusterFanout bool
	EnablePostgresStore bool
}

// Load builds a Config from environment variables, applying defaults and
// validating the result.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "tabcoord"),
			User:        getEnv("POSTGRES_USER", "tabcoord"),
			Password:    getEnv("POSTGRES_PASSWORD", "tabcoord"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Remote: RemoteConfig{
			OrchestratorBaseURL: getEnv("ORCHESTRATOR_BASE_URL", "http://localhost:8081"),
			PushWSBaseURL:       getEnv("PUSH_WS_BASE_URL", "ws://localhost:8082"),
		},
		Timing: TimingConfig{
			SaveDebounce:                getEnvDuration("SAVE_DEBOUNCE", 2*time.Second),
			ResolveDebounce:             getEnvDuration("RESOLVE_DEBOUNCE", 10*time.Millisecond),
			RemoteWorkflowCacheTTL:      getEnvDuration("REMOTE_WORKFLOW_CACHE_TTL", 10*time.Minute),
			ServerTransportRetryBackoff: getEnvDuration("SERVER_TRANSPORT_RETRY_BACKOFF", 3*time.Second),
		},
		Features: FeatureFlags{
			EnableClusterFanout: getEnvBool("ENABLE_CLUSTER_FANOUT", false),
			EnablePostgresStore: getEnvBool("ENABLE_POSTGRES_STORE", true),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Features.EnablePostgresStore && c.Database.Host == "" {
		return fmt.Errorf("database host is required when postgres store is enabled")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

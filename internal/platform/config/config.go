package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration for the sync daemon.
type Config struct {
	// AdminAddr is the listen address for the operator HTTP surface.
	AdminAddr string

	// Environment namespaces leadership lease keys so staging and production
	// replicas never contend for the same lease.
	Environment string

	Redis    RedisConfig
	Postgres PostgresConfig

	SystemA EndpointConfig
	SystemB EndpointConfig

	// CustomerConfigPath points at the static customer table (JSON).
	CustomerConfigPath string

	// PodLeaseTTL bounds pod-level leadership; a cycle must finish inside it.
	PodLeaseTTL time.Duration

	// RouteLeaseTTL bounds the finer-grained route lease.
	RouteLeaseTTL time.Duration

	// AmbiguityGuardTTL damps repeated identity resolution attempts after an
	// ambiguous match. The audit in-progress guard has no TTL: it is cleared
	// by operators only.
	AmbiguityGuardTTL time.Duration

	// PollInterval is the cadence between reconciliation cycles.
	PollInterval time.Duration

	// CycleParallelism bounds concurrent per-entity reconciliations.
	CycleParallelism int

	// MaxRedeliveries caps retries of transient infrastructure faults.
	MaxRedeliveries int

	// MaintenanceInterval is the cadence of the route-leased maintenance
	// sweep (open-item index hygiene).
	MaintenanceInterval time.Duration
}

// EndpointConfig holds the connection settings for one external system.
type EndpointConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// RedisConfig holds connection tuning for the shared store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig holds the optional audit exception store DSN. Empty DSN means
// the in-memory store is used.
type PostgresConfig struct {
	DSN string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		AdminAddr:          envOr("KEYSYNC_ADMIN_ADDR", ":8080"),
		Environment:        envOr("KEYSYNC_ENVIRONMENT", "dev"),
		CustomerConfigPath: envOr("KEYSYNC_CUSTOMER_CONFIG", "customers.json"),
		Redis: RedisConfig{
			URL:          os.Getenv("KEYSYNC_REDIS_URL"),
			PoolSize:     envInt("KEYSYNC_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("KEYSYNC_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("KEYSYNC_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("KEYSYNC_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("KEYSYNC_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN: os.Getenv("KEYSYNC_POSTGRES_DSN"),
		},
		SystemA: EndpointConfig{
			BaseURL:  os.Getenv("KEYSYNC_SYSTEM_A_URL"),
			APIToken: os.Getenv("KEYSYNC_SYSTEM_A_TOKEN"),
			Timeout:  envDuration("KEYSYNC_SYSTEM_A_TIMEOUT", 10*time.Second),
		},
		SystemB: EndpointConfig{
			BaseURL:  os.Getenv("KEYSYNC_SYSTEM_B_URL"),
			APIToken: os.Getenv("KEYSYNC_SYSTEM_B_TOKEN"),
			Timeout:  envDuration("KEYSYNC_SYSTEM_B_TIMEOUT", 10*time.Second),
		},
		PodLeaseTTL:         envDuration("KEYSYNC_POD_LEASE_TTL", 2*time.Minute),
		RouteLeaseTTL:       envDuration("KEYSYNC_ROUTE_LEASE_TTL", time.Minute),
		AmbiguityGuardTTL:   envDuration("KEYSYNC_AMBIGUITY_GUARD_TTL", 10*time.Minute),
		PollInterval:        envDuration("KEYSYNC_POLL_INTERVAL", 30*time.Second),
		CycleParallelism:    envInt("KEYSYNC_CYCLE_PARALLELISM", 4),
		MaxRedeliveries:     envInt("KEYSYNC_MAX_REDELIVERIES", 3),
		MaintenanceInterval: envDuration("KEYSYNC_MAINTENANCE_INTERVAL", 5*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

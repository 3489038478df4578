// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	LogLevel         string
	GRPCHealthPort   string
	ModelCatalogPath string
	MaxConcurrentOps int
	ShutdownTimeout  time.Duration

	Ephemeral   EphemeralConfig
	Ports       PortConfig
	Timeout     TimeoutConfig
	Janitor     JanitorConfig
	Environment EnvironmentConfig
	Relay       RelayConfig
	RateLimit   RateLimitConfig
}

// EphemeralConfig selects the live-state store.
type EphemeralConfig struct {
	Backend       string // "memory" or "redis"
	RedisURL      string
	LiveRecordTTL time.Duration
}

// PortConfig is the range handed out by the allocator.
type PortConfig struct {
	RangeStart int
	RangeEnd   int
	ReuseGrace time.Duration
}

// Size returns the number of ports in the range.
func (p PortConfig) Size() int {
	return p.RangeEnd - p.RangeStart + 1
}

// TimeoutConfig bounds every out-of-process call.
type TimeoutConfig struct {
	Provision   time.Duration
	Stop        time.Duration
	StopGrace   time.Duration
	Healthcheck time.Duration
}

// JanitorConfig controls the background sweep.
type JanitorConfig struct {
	Interval           time.Duration
	Workers            int
	IdleTimeout        time.Duration
	UnhealthyGrace     time.Duration
	StuckTeardownAfter time.Duration
	HistoryRetention   time.Duration
}

// EnvironmentConfig describes the container launched per session.
type EnvironmentConfig struct {
	Runtime     string // "" = default (runc), "runsc" = gVisor
	Image       string
	Network     string
	DesktopPort int
	HealthPort  int // 0 disables the gRPC health probe
	MemoryLimit int64
	CPUCount    float64
	APIKey      string
	APIProvider string
}

// RelayConfig sizes the event relay buffers.
type RelayConfig struct {
	Backlog        int
	ObserverQueue  int
	PersistWorkers int
	PersistQueue   int
	SSEKeepalive   time.Duration
}

// RateLimitConfig throttles message appends per session.
type RateLimitConfig struct {
	Messages int
	Window   time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("FRONTEND_URL", "")
	v.SetDefault("DB_PATH", "./data/agentdesk.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GRPC_HEALTH_PORT", "")
	v.SetDefault("MODEL_CATALOG_PATH", "")
	v.SetDefault("MAX_CONCURRENT_OPS", 8)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	v.SetDefault("EPHEMERAL_BACKEND", "memory")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("LIVE_RECORD_TTL", "24h")

	v.SetDefault("PORT_RANGE_START", 5900)
	v.SetDefault("PORT_RANGE_END", 5909)

	v.SetDefault("PROVISION_TIMEOUT", "120s")
	v.SetDefault("STOP_TIMEOUT", "30s")
	v.SetDefault("STOP_GRACE_PERIOD", "10s")
	v.SetDefault("HEALTHCHECK_TIMEOUT", "5s")

	v.SetDefault("JANITOR_INTERVAL", "30s")
	v.SetDefault("JANITOR_WORKERS", 4)
	v.SetDefault("UNHEALTHY_GRACE", "60s")
	v.SetDefault("STUCK_TEARDOWN_AFTER", "5m")
	v.SetDefault("HISTORY_RETENTION", "0s")

	v.SetDefault("CONTAINER_RUNTIME", "")
	v.SetDefault("ENVIRONMENT_IMAGE", "ghcr.io/anthropics/anthropic-quickstarts:computer-use-demo-latest")
	v.SetDefault("ENVIRONMENT_NETWORK", "agentdesk-sessions")
	v.SetDefault("ENVIRONMENT_DESKTOP_PORT", 6080)
	v.SetDefault("ENVIRONMENT_HEALTH_PORT", 0)
	v.SetDefault("CONTAINER_MEMORY_LIMIT", "2g")
	v.SetDefault("CONTAINER_CPU_COUNT", 2)
	v.SetDefault("API_PROVIDER", "anthropic")

	v.SetDefault("RELAY_BACKLOG", 100)
	v.SetDefault("OBSERVER_QUEUE_SIZE", 256)
	v.SetDefault("PERSIST_WORKERS", 4)
	v.SetDefault("PERSIST_QUEUE_SIZE", 1024)
	v.SetDefault("SSE_KEEPALIVE", "10s")

	v.SetDefault("MESSAGE_RATE_LIMIT", 30)
	v.SetDefault("MESSAGE_RATE_WINDOW", "1m")
}

// Load reads configuration from environment variables, layered over the
// optional config file. IDLE_TIMEOUT and PORT_REUSE_GRACE have no default.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	memory, err := units.RAMInBytes(v.GetString("CONTAINER_MEMORY_LIMIT"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: CONTAINER_MEMORY_LIMIT: %w", err)
	}

	cfg := &Config{
		Port:             v.GetString("PORT"),
		FrontendURL:      v.GetString("FRONTEND_URL"),
		DBPath:           v.GetString("DB_PATH"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		GRPCHealthPort:   v.GetString("GRPC_HEALTH_PORT"),
		ModelCatalogPath: v.GetString("MODEL_CATALOG_PATH"),
		MaxConcurrentOps: v.GetInt("MAX_CONCURRENT_OPS"),
		ShutdownTimeout:  v.GetDuration("SHUTDOWN_TIMEOUT"),
		Ephemeral: EphemeralConfig{
			Backend:       strings.ToLower(v.GetString("EPHEMERAL_BACKEND")),
			RedisURL:      v.GetString("REDIS_URL"),
			LiveRecordTTL: v.GetDuration("LIVE_RECORD_TTL"),
		},
		Ports: PortConfig{
			RangeStart: v.GetInt("PORT_RANGE_START"),
			RangeEnd:   v.GetInt("PORT_RANGE_END"),
			ReuseGrace: v.GetDuration("PORT_REUSE_GRACE"),
		},
		Timeout: TimeoutConfig{
			Provision:   v.GetDuration("PROVISION_TIMEOUT"),
			Stop:        v.GetDuration("STOP_TIMEOUT"),
			StopGrace:   v.GetDuration("STOP_GRACE_PERIOD"),
			Healthcheck: v.GetDuration("HEALTHCHECK_TIMEOUT"),
		},
		Janitor: JanitorConfig{
			Interval:           v.GetDuration("JANITOR_INTERVAL"),
			Workers:            v.GetInt("JANITOR_WORKERS"),
			IdleTimeout:        v.GetDuration("IDLE_TIMEOUT"),
			UnhealthyGrace:     v.GetDuration("UNHEALTHY_GRACE"),
			StuckTeardownAfter: v.GetDuration("STUCK_TEARDOWN_AFTER"),
			HistoryRetention:   v.GetDuration("HISTORY_RETENTION"),
		},
		Environment: EnvironmentConfig{
			Runtime:     v.GetString("CONTAINER_RUNTIME"),
			Image:       v.GetString("ENVIRONMENT_IMAGE"),
			Network:     v.GetString("ENVIRONMENT_NETWORK"),
			DesktopPort: v.GetInt("ENVIRONMENT_DESKTOP_PORT"),
			HealthPort:  v.GetInt("ENVIRONMENT_HEALTH_PORT"),
			MemoryLimit: memory,
			CPUCount:    v.GetFloat64("CONTAINER_CPU_COUNT"),
			APIKey:      v.GetString("ANTHROPIC_API_KEY"),
			APIProvider: v.GetString("API_PROVIDER"),
		},
		Relay: RelayConfig{
			Backlog:        v.GetInt("RELAY_BACKLOG"),
			ObserverQueue:  v.GetInt("OBSERVER_QUEUE_SIZE"),
			PersistWorkers: v.GetInt("PERSIST_WORKERS"),
			PersistQueue:   v.GetInt("PERSIST_QUEUE_SIZE"),
			SSEKeepalive:   v.GetDuration("SSE_KEEPALIVE"),
		},
		RateLimit: RateLimitConfig{
			Messages: v.GetInt("MESSAGE_RATE_LIMIT"),
			Window:   v.GetDuration("MESSAGE_RATE_WINDOW"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Janitor.IdleTimeout <= 0 {
		return errors.New("IDLE_TIMEOUT is required and must be > 0")
	}
	if c.Ports.ReuseGrace <= 0 {
		return errors.New("PORT_REUSE_GRACE is required and must be > 0")
	}
	switch c.Ephemeral.Backend {
	case "memory":
	case "redis":
		if c.Ephemeral.RedisURL == "" {
			return errors.New("REDIS_URL cannot be empty when EPHEMERAL_BACKEND=redis")
		}
	default:
		return fmt.Errorf("EPHEMERAL_BACKEND must be memory or redis, got %q", c.Ephemeral.Backend)
	}
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd > 65535 || c.Ports.RangeEnd < c.Ports.RangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Timeout.Provision <= 0 || c.Timeout.Stop <= 0 || c.Timeout.Healthcheck <= 0 {
		return errors.New("PROVISION_TIMEOUT, STOP_TIMEOUT and HEALTHCHECK_TIMEOUT must be > 0")
	}
	if c.Janitor.Interval <= 0 {
		return errors.New("JANITOR_INTERVAL must be > 0")
	}
	if c.MaxConcurrentOps <= 0 {
		return errors.New("MAX_CONCURRENT_OPS must be > 0")
	}
	if c.Relay.Backlog < 0 || c.Relay.ObserverQueue <= 0 {
		return errors.New("RELAY_BACKLOG must be >= 0 and OBSERVER_QUEUE_SIZE > 0")
	}
	if c.Relay.PersistWorkers <= 0 || c.Relay.PersistQueue <= 0 {
		return errors.New("PERSIST_WORKERS and PERSIST_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.Messages <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("MESSAGE_RATE_LIMIT and MESSAGE_RATE_WINDOW must be > 0")
	}
	if c.Environment.Image == "" {
		return errors.New("ENVIRONMENT_IMAGE cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the HTTP API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

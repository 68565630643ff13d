// Package config provides the configuration schema, loader, environment
// fallbacks and voice provider registry for callrelay.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CallStateBackend selects where per-call state lives.
type CallStateBackend string

const (
	// BackendMemory keeps call state in process memory. Only correct with a
	// single replica receiving webhooks.
	BackendMemory CallStateBackend = "memory"

	// BackendRedis shares call state between replicas through Redis.
	BackendRedis CallStateBackend = "redis"
)

// IsValid reports whether b is a recognised backend.
func (b CallStateBackend) IsValid() bool {
	return b == BackendMemory || b == BackendRedis
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Store     StoreConfig     `yaml:"store"`
	CallState CallStateConfig `yaml:"callstate"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// WebhookPath is the route the voice provider posts call events to.
	// Default: "/webhooks/voice".
	WebhookPath string `yaml:"webhook_path"`

	// ShutdownTimeout bounds how long in-flight webhook processing may run
	// after a shutdown signal. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig configures the outbound voice provider.
type ProviderConfig struct {
	// Name selects the registered provider. Default: "retell".
	Name string `yaml:"name"`

	// BaseURL overrides the provider API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider. Without it the service
	// still ingests webhooks but rejects call initiation.
	APIKey string `yaml:"api_key"`

	// DefaultAgentID is used when a request names no agent.
	DefaultAgentID string `yaml:"default_agent_id"`

	// FromNumber is the caller id for outbound calls.
	FromNumber string `yaml:"from_number"`

	// Timeout bounds each provider API request. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig configures the durable record store.
type StoreConfig struct {
	// PostgresDSN is the connection string for the record database.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CallStateConfig configures the short-lived per-call state.
type CallStateConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend CallStateBackend `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// KeyPrefix namespaces Redis keys. Default: "callrelay:".
	KeyPrefix string `yaml:"key_prefix"`

	// Retention is how long a call's state survives its terminal event.
	// Default: 10m.
	Retention time.Duration `yaml:"retention"`

	// IdleTTL bounds state for calls that never end. Default: 2h.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval is how often the memory backend evicts idle calls.
	// Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// LockTTL is the lease of the per-call finalization lock. Persistence
	// writes are cancelled after two thirds of it. Default: 30s.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported on all telemetry. Default: "callrelay".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the Prometheus scrape route. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

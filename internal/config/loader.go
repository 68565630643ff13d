package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callrelay/internal/callstate"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultWebhookPath     = "/webhooks/voice"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultProviderName    = "retell"
	DefaultProviderTimeout = 15 * time.Second
	DefaultKeyPrefix       = "callrelay:"
	DefaultSweepInterval   = time.Minute
	DefaultServiceName     = "callrelay"
	DefaultMetricsPath     = "/metrics"
)

// reservedPaths are routes owned by the service itself.
var reservedPaths = []string{"/calls", "/healthz", "/readyz"}

// Load reads the YAML configuration file at path, applies environment
// fallbacks and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	return finish(cfg)
}

// LoadEnv builds a [Config] from defaults and environment variables alone,
// for deployments that carry no config file.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	ApplyEnv(cfg, os.Getenv)
	return finish(cfg)
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}

	setString(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	setString(&cfg.Server.WebhookPath, DefaultWebhookPath)
	setDuration(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setString(&cfg.Provider.Name, DefaultProviderName)
	cfg.Provider.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")
	setDuration(&cfg.Provider.Timeout, DefaultProviderTimeout)

	if cfg.CallState.Backend == "" {
		cfg.CallState.Backend = BackendMemory
	}
	setString(&cfg.CallState.KeyPrefix, DefaultKeyPrefix)
	setDuration(&cfg.CallState.Retention, callstate.DefaultRetention)
	setDuration(&cfg.CallState.IdleTTL, callstate.DefaultIdleTTL)
	setDuration(&cfg.CallState.SweepInterval, DefaultSweepInterval)
	setDuration(&cfg.CallState.LockTTL, callstate.DefaultLockTTL)

	setString(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setString(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	errs = append(errs, validateRoute("server.webhook_path", cfg.Server.WebhookPath)...)
	errs = append(errs, validateRoute("telemetry.metrics_path", cfg.Telemetry.MetricsPath)...)
	if cfg.Server.WebhookPath != "" && cfg.Server.WebhookPath == cfg.Telemetry.MetricsPath {
		errs = append(errs, fmt.Errorf("server.webhook_path and telemetry.metrics_path must differ (both %q)", cfg.Server.WebhookPath))
	}

	// Provider
	if cfg.Provider.Timeout < 0 {
		errs = append(errs, fmt.Errorf("provider.timeout %v must not be negative", cfg.Provider.Timeout))
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; outbound calls will be rejected until it is set")
	}
	if cfg.Provider.APIKey != "" && cfg.Provider.FromNumber == "" {
		slog.Warn("provider.from_number is empty; outbound calls will be rejected")
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; a record store must be supplied programmatically")
	}

	// Call state
	cs := cfg.CallState
	if cs.Backend != "" && !cs.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("callstate.backend %q is invalid; valid values: memory, redis", cs.Backend))
	}
	if cs.Backend == BackendRedis && cs.RedisAddr == "" {
		errs = append(errs, errors.New("callstate.redis_addr is required when backend is redis"))
	}
	if cs.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("callstate.redis_db %d must not be negative", cs.RedisDB))
	}
	if cs.Retention < 0 || cs.IdleTTL < 0 || cs.SweepInterval < 0 || cs.LockTTL < 0 {
		errs = append(errs, errors.New("callstate durations must not be negative"))
	}
	if cs.Retention > 0 && cs.IdleTTL > 0 && cs.IdleTTL < cs.Retention {
		errs = append(errs, fmt.Errorf("callstate.idle_ttl %v must not be shorter than callstate.retention %v", cs.IdleTTL, cs.Retention))
	}

	return errors.Join(errs...)
}

func validateRoute(field, path string) []error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return []error{fmt.Errorf("%s %q must start with /", field, path)}
	}
	for _, r := range reservedPaths {
		if path == r {
			return []error{fmt.Errorf("%s %q collides with a built-in route", field, path)}
		}
	}
	return nil
}

// Package config loads the bridge configuration from YAML with environment
// overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultListen              = "127.0.0.1:8091"
	DefaultRatePerSecond       = 5.0
	DefaultRateBurst           = 10
	DefaultWatchdogTimeoutSecs = 60
	DefaultFailureThreshold    = 3
	DefaultRetryBudget         = 3
	DefaultSimilarity          = 0.8
	DefaultBusDriver           = "memory"
	DefaultLedgerPath          = "chatbridge.db"
	DefaultLogDir              = "logs"
	DefaultServiceName         = "chatbridge"
)

// Config is the complete bridge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Relay       RelayConfig       `yaml:"relay"`
	Session     SessionConfig     `yaml:"session"`
	Bus         BusConfig         `yaml:"bus"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CredentialsConfig carries the upstream access tokens the pool is built
// from. Tokens are secrets; prefer CHATBRIDGE_ACCESS_TOKENS over the file.
type CredentialsConfig struct {
	Tokens []string `yaml:"tokens"`
}

// RelayConfig tunes reply reconstruction and escalation.
type RelayConfig struct {
	WatchdogTimeoutSecs int     `yaml:"watchdog_timeout_secs"`
	FailureThreshold    int64   `yaml:"failure_threshold"`
	RetryBudget         int     `yaml:"retry_budget"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// WatchdogTimeout returns the configured watchdog duration.
func (c RelayConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSecs) * time.Second
}

// SessionConfig points at the remote session runtime.
type SessionConfig struct {
	CommandURL         string `yaml:"command_url"`
	EventsURL          string `yaml:"events_url"`
	DialTimeoutSecs    int    `yaml:"dial_timeout_secs"`
	CommandTimeoutSecs int    `yaml:"command_timeout_secs"`
}

// BusConfig selects the lifecycle event bus backend.
type BusConfig struct {
	Driver string `yaml:"driver"` // "memory" or "nats"
	URL    string `yaml:"url"`
}

// StorageConfig locates the credential usage ledger.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls the structured event log.
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        DefaultListen,
			RatePerSecond: DefaultRatePerSecond,
			RateBurst:     DefaultRateBurst,
		},
		Relay: RelayConfig{
			WatchdogTimeoutSecs: DefaultWatchdogTimeoutSecs,
			FailureThreshold:    DefaultFailureThreshold,
			RetryBudget:         DefaultRetryBudget,
			SimilarityThreshold: DefaultSimilarity,
		},
		Session: SessionConfig{
			DialTimeoutSecs:    15,
			CommandTimeoutSecs: 30,
		},
		Bus:     BusConfig{Driver: DefaultBusDriver},
		Storage: StorageConfig{Path: DefaultLedgerPath},
		Logging: LoggingConfig{Dir: DefaultLogDir, MinLevel: "info"},
		Tracing: TracingConfig{ServiceName: DefaultServiceName},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CHATBRIDGE_* environment variables on top of the
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATBRIDGE_ACCESS_TOKENS"); v != "" {
		cfg.Credentials.Tokens = splitTokens(v)
	}
	if v := os.Getenv("CHATBRIDGE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("CHATBRIDGE_SESSION_COMMAND_URL"); v != "" {
		cfg.Session.CommandURL = v
	}
	if v := os.Getenv("CHATBRIDGE_SESSION_EVENTS_URL"); v != "" {
		cfg.Session.EventsURL = v
	}
	if v := os.Getenv("CHATBRIDGE_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("CHATBRIDGE_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("CHATBRIDGE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHATBRIDGE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CHATBRIDGE_WATCHDOG_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.WatchdogTimeoutSecs = n
		}
	}
	if v := os.Getenv("CHATBRIDGE_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.RetryBudget = n
		}
	}
	if v := os.Getenv("CHATBRIDGE_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Relay.FailureThreshold = n
		}
	}
}

// splitTokens parses a comma-separated token list, dropping empty entries.
func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen %q: %w", c.Server.Listen, err)
	}
	if c.Server.RatePerSecond < 0 {
		return fmt.Errorf("server.rate_per_second must not be negative")
	}

	switch c.Bus.Driver {
	case "memory":
	case "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.driver is nats")
		}
	default:
		return fmt.Errorf("unknown bus.driver %q (want memory or nats)", c.Bus.Driver)
	}

	if c.Relay.SimilarityThreshold <= 0 || c.Relay.SimilarityThreshold > 1 {
		return fmt.Errorf("relay.similarity_threshold must be in (0, 1]")
	}
	if c.Relay.WatchdogTimeoutSecs <= 0 {
		return fmt.Errorf("relay.watchdog_timeout_secs must be positive")
	}
	if c.Relay.RetryBudget <= 0 {
		return fmt.Errorf("relay.retry_budget must be positive")
	}

	switch c.Logging.MinLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.min_level %q", c.Logging.MinLevel)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultWatchdogTimeoutSecs, cfg.Relay.WatchdogTimeoutSecs)
	assert.Equal(t, int64(DefaultFailureThreshold), cfg.Relay.FailureThreshold)
	assert.Equal(t, DefaultRetryBudget, cfg.Relay.RetryBudget)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Empty(t, cfg.Credentials.Tokens)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: "0.0.0.0:9000"
  rate_per_second: 0
credentials:
  tokens: ["tok-a", "tok-b"]
relay:
  watchdog_timeout_secs: 30
  retry_budget: 5
bus:
  driver: nats
  url: nats://localhost:4222
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	// Explicit zero in the file must win over the default.
	assert.Zero(t, cfg.Server.RatePerSecond)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.Credentials.Tokens)
	assert.Equal(t, 30, cfg.Relay.WatchdogTimeoutSecs)
	assert.Equal(t, 5, cfg.Relay.RetryBudget)
	assert.Equal(t, "nats", cfg.Bus.Driver)
	// Unset fields keep defaults.
	assert.Equal(t, float64(DefaultSimilarity), cfg.Relay.SimilarityThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials:
  tokens: ["file-token"]
`), 0o600))

	t.Setenv("CHATBRIDGE_ACCESS_TOKENS", "env-1, env-2,")
	t.Setenv("CHATBRIDGE_LISTEN", "127.0.0.1:7777")
	t.Setenv("CHATBRIDGE_RETRY_BUDGET", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"env-1", "env-2"}, cfg.Credentials.Tokens)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Relay.RetryBudget)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen", func(c *Config) { c.Server.Listen = "no-port" }},
		{"nats without url", func(c *Config) { c.Bus.Driver = "nats"; c.Bus.URL = "" }},
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "kafka" }},
		{"similarity above one", func(c *Config) { c.Relay.SimilarityThreshold = 1.5 }},
		{"zero watchdog", func(c *Config) { c.Relay.WatchdogTimeoutSecs = 0 }},
		{"unknown log level", func(c *Config) { c.Logging.MinLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

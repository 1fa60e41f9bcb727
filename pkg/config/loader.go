package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values only win when the raw
// document actually set the field.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Listen != "" {
		base.Server.Listen = override.Server.Listen
	}
	if fieldSet(raw, "server", "rate_per_second") {
		base.Server.RatePerSecond = override.Server.RatePerSecond
	}
	if fieldSet(raw, "server", "rate_burst") {
		base.Server.RateBurst = override.Server.RateBurst
	}
	if fieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}

	if fieldSet(raw, "credentials", "tokens") {
		base.Credentials.Tokens = append([]string{}, override.Credentials.Tokens...)
	}

	if override.Relay.WatchdogTimeoutSecs != 0 {
		base.Relay.WatchdogTimeoutSecs = override.Relay.WatchdogTimeoutSecs
	}
	if override.Relay.FailureThreshold != 0 {
		base.Relay.FailureThreshold = override.Relay.FailureThreshold
	}
	if override.Relay.RetryBudget != 0 {
		base.Relay.RetryBudget = override.Relay.RetryBudget
	}
	if override.Relay.SimilarityThreshold != 0 {
		base.Relay.SimilarityThreshold = override.Relay.SimilarityThreshold
	}

	if override.Session.CommandURL != "" {
		base.Session.CommandURL = override.Session.CommandURL
	}
	if override.Session.EventsURL != "" {
		base.Session.EventsURL = override.Session.EventsURL
	}
	if override.Session.DialTimeoutSecs != 0 {
		base.Session.DialTimeoutSecs = override.Session.DialTimeoutSecs
	}
	if override.Session.CommandTimeoutSecs != 0 {
		base.Session.CommandTimeoutSecs = override.Session.CommandTimeoutSecs
	}

	if override.Bus.Driver != "" {
		base.Bus.Driver = override.Bus.Driver
	}
	if override.Bus.URL != "" {
		base.Bus.URL = override.Bus.URL
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.MinLevel != "" {
		base.Logging.MinLevel = override.Logging.MinLevel
	}

	if fieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
}

// fieldSet reports whether the raw YAML document set the field at path.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

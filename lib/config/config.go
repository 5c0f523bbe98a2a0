// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Pylon components.
//
// Configuration is loaded from a single file specified by:
//   - PYLON_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (release,
// stage, dev) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pylonhq/pylon/lib/identity"
)

// Config is the master configuration for Pylon.
type Config struct {
	// Environment identifies the deployment (release, stage, dev). It
	// becomes the env tag in Pylon global ids.
	Environment string `yaml:"environment"`

	// Relay configures the relay hub binary.
	Relay RelayConfig `yaml:"relay"`

	// Pylon configures the device-side daemon.
	Pylon PylonConfig `yaml:"pylon"`

	// Per-environment overrides, applied after the base config loads.
	Release *ConfigOverrides `yaml:"release,omitempty"`
	Stage   *ConfigOverrides `yaml:"stage,omitempty"`
	Dev     *ConfigOverrides `yaml:"dev,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Relay *RelayConfig `yaml:"relay,omitempty"`
	Pylon *PylonConfig `yaml:"pylon,omitempty"`
}

// RelayConfig configures the relay hub.
type RelayConfig struct {
	// Listen is the WebSocket listen address.
	// Default: :8787
	Listen string `yaml:"listen"`

	// Token is the shared identity token. Empty disables token checks.
	Token string `yaml:"token"`

	// AllowedIPs restricts Pylon slots to source addresses, keyed by
	// device index. "*" allows any address. A slot with no entry is
	// denied when the map is non-empty.
	AllowedIPs map[int]string `yaml:"allowed_ips"`

	// DefaultPolicy routes messages that carry no explicit target.
	// Values: "pylons", "clients", "all"
	// Default: pylons
	DefaultPolicy string `yaml:"default_policy"`
}

// PylonConfig configures the device-side daemon.
type PylonConfig struct {
	// RelayURL is the relay's WebSocket endpoint.
	RelayURL string `yaml:"relay_url"`

	// DeviceIndex is this Pylon's fixed slot (1..15).
	DeviceIndex int `yaml:"device_index"`

	// Name is the display name sent in the handshake.
	Name string `yaml:"name"`

	// Token is the shared identity token presented to the relay.
	Token string `yaml:"token"`

	// LocalListen is the companion-app listen address.
	// Default: 127.0.0.1:8788
	LocalListen string `yaml:"local_listen"`

	// HeartbeatInterval is how often the daemon pings the relay.
	// Default: 10s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is the silent window that forces a reconnect.
	// Default: 30s
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`

	// ReconnectInterval is the delay before a reconnect attempt.
	// Default: 3s
	ReconnectInterval string `yaml:"reconnect_interval"`

	// AuditLog is the packet-log path. Empty disables the audit log.
	AuditLog string `yaml:"audit_log"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file - the config file itself is
// still required.
func Default() *Config {
	return &Config{
		Environment: "release",
		Relay: RelayConfig{
			Listen:        ":8787",
			DefaultPolicy: "pylons",
		},
		Pylon: PylonConfig{
			RelayURL:          "ws://127.0.0.1:8787",
			DeviceIndex:       1,
			LocalListen:       "127.0.0.1:8788",
			HeartbeatInterval: "10s",
			HeartbeatTimeout:  "30s",
			ReconnectInterval: "3s",
		},
	}
}

// Load loads configuration from the PYLON_CONFIG environment variable.
//
// There are no fallbacks - if PYLON_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PYLON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PYLON_CONFIG environment variable not set; " +
			"set it to the path of your pylon.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// EnvID returns the environment tag for Pylon global ids. Unknown
// environment names degrade to release.
func (c *Config) EnvID() identity.EnvID {
	return identity.EnvFromName(c.Environment)
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case "release":
		overrides = c.Release
	case "stage":
		overrides = c.Stage
	case "dev":
		overrides = c.Dev
	}

	if overrides == nil {
		return
	}

	if overrides.Relay != nil {
		if overrides.Relay.Listen != "" {
			c.Relay.Listen = overrides.Relay.Listen
		}
		if overrides.Relay.Token != "" {
			c.Relay.Token = overrides.Relay.Token
		}
		if overrides.Relay.AllowedIPs != nil {
			c.Relay.AllowedIPs = overrides.Relay.AllowedIPs
		}
		if overrides.Relay.DefaultPolicy != "" {
			c.Relay.DefaultPolicy = overrides.Relay.DefaultPolicy
		}
	}

	if overrides.Pylon != nil {
		if overrides.Pylon.RelayURL != "" {
			c.Pylon.RelayURL = overrides.Pylon.RelayURL
		}
		if overrides.Pylon.DeviceIndex != 0 {
			c.Pylon.DeviceIndex = overrides.Pylon.DeviceIndex
		}
		if overrides.Pylon.Name != "" {
			c.Pylon.Name = overrides.Pylon.Name
		}
		if overrides.Pylon.Token != "" {
			c.Pylon.Token = overrides.Pylon.Token
		}
		if overrides.Pylon.LocalListen != "" {
			c.Pylon.LocalListen = overrides.Pylon.LocalListen
		}
		if overrides.Pylon.HeartbeatInterval != "" {
			c.Pylon.HeartbeatInterval = overrides.Pylon.HeartbeatInterval
		}
		if overrides.Pylon.HeartbeatTimeout != "" {
			c.Pylon.HeartbeatTimeout = overrides.Pylon.HeartbeatTimeout
		}
		if overrides.Pylon.ReconnectInterval != "" {
			c.Pylon.ReconnectInterval = overrides.Pylon.ReconnectInterval
		}
		if overrides.Pylon.AuditLog != "" {
			c.Pylon.AuditLog = overrides.Pylon.AuditLog
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != "release" && c.Environment != "stage" && c.Environment != "dev" {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Relay.Listen == "" {
		errs = append(errs, fmt.Errorf("relay.listen is required"))
	}
	switch c.Relay.DefaultPolicy {
	case "pylons", "clients", "all":
	default:
		errs = append(errs, fmt.Errorf("relay.default_policy must be one of: pylons, clients, all"))
	}
	for index := range c.Relay.AllowedIPs {
		if !identity.ValidPylonIndex(index) {
			errs = append(errs, fmt.Errorf("relay.allowed_ips: invalid pylon index %d", index))
		}
	}

	if c.Pylon.RelayURL == "" {
		errs = append(errs, fmt.Errorf("pylon.relay_url is required"))
	}
	if !identity.ValidPylonIndex(c.Pylon.DeviceIndex) {
		errs = append(errs, fmt.Errorf("pylon.device_index must be 1..15, got %d", c.Pylon.DeviceIndex))
	}
	if c.Pylon.LocalListen == "" {
		errs = append(errs, fmt.Errorf("pylon.local_listen is required"))
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"pylon.heartbeat_interval", c.Pylon.HeartbeatInterval},
		{"pylon.heartbeat_timeout", c.Pylon.HeartbeatTimeout},
		{"pylon.reconnect_interval", c.Pylon.ReconnectInterval},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration getters parse the string fields, falling back to the
// package defaults when a field is unparseable. Call Validate first to
// surface bad values as errors.

func (p PylonConfig) HeartbeatIntervalValue() time.Duration {
	return parseDuration(p.HeartbeatInterval, 10*time.Second)
}

func (p PylonConfig) HeartbeatTimeoutValue() time.Duration {
	return parseDuration(p.HeartbeatTimeout, 30*time.Second)
}

func (p PylonConfig) ReconnectIntervalValue() time.Duration {
	return parseDuration(p.ReconnectInterval, 3*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

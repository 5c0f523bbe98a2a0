// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pylonhq/pylon/lib/identity"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pylon.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: stage
relay:
  listen: ":9900"
  token: hunter2
  allowed_ips:
    1: "10.0.0.5"
    2: "*"
  default_policy: all
pylon:
  relay_url: wss://relay.example.net
  device_index: 4
  name: workstation
  heartbeat_interval: 5s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	if cfg.Environment != "stage" {
		t.Errorf("environment = %q, want stage", cfg.Environment)
	}
	if cfg.EnvID() != identity.EnvStage {
		t.Errorf("env id = %v, want stage", cfg.EnvID())
	}
	if cfg.Relay.Listen != ":9900" {
		t.Errorf("relay.listen = %q, want :9900", cfg.Relay.Listen)
	}
	if cfg.Relay.AllowedIPs[2] != "*" {
		t.Errorf("allowed_ips[2] = %q, want *", cfg.Relay.AllowedIPs[2])
	}
	if cfg.Pylon.DeviceIndex != 4 {
		t.Errorf("device_index = %d, want 4", cfg.Pylon.DeviceIndex)
	}
	// Unset fields keep their defaults.
	if cfg.Pylon.LocalListen != "127.0.0.1:8788" {
		t.Errorf("local_listen = %q, want default", cfg.Pylon.LocalListen)
	}
	if got := cfg.Pylon.HeartbeatIntervalValue(); got != 5*time.Second {
		t.Errorf("heartbeat interval = %v, want 5s", got)
	}
	if got := cfg.Pylon.HeartbeatTimeoutValue(); got != 30*time.Second {
		t.Errorf("heartbeat timeout = %v, want default 30s", got)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
relay:
  listen: ":8787"
pylon:
  relay_url: wss://relay.example.net
  device_index: 2
dev:
  relay:
    listen: ":18787"
  pylon:
    relay_url: ws://127.0.0.1:18787
stage:
  relay:
    listen: ":28787"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Relay.Listen != ":18787" {
		t.Errorf("relay.listen = %q, want dev override :18787", cfg.Relay.Listen)
	}
	if cfg.Pylon.RelayURL != "ws://127.0.0.1:18787" {
		t.Errorf("pylon.relay_url = %q, want dev override", cfg.Pylon.RelayURL)
	}
	// The stage section must not leak into a dev deployment.
	if cfg.Pylon.DeviceIndex != 2 {
		t.Errorf("device_index = %d, want base value 2", cfg.Pylon.DeviceIndex)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("PYLON_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without PYLON_CONFIG should fail")
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	path := writeConfig(t, `
environment: release
pylon:
  relay_url: wss://relay.example.net
  device_index: 1
`)
	t.Setenv("PYLON_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pylon.RelayURL != "wss://relay.example.net" {
		t.Errorf("relay_url = %q", cfg.Pylon.RelayURL)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.Environment = "production" },
			wantErr: "invalid environment",
		},
		{
			name:    "bad default policy",
			mutate:  func(c *Config) { c.Relay.DefaultPolicy = "everyone" },
			wantErr: "default_policy",
		},
		{
			name:    "pylon index out of range",
			mutate:  func(c *Config) { c.Pylon.DeviceIndex = 16 },
			wantErr: "device_index",
		},
		{
			name:    "allow-list index out of range",
			mutate:  func(c *Config) { c.Relay.AllowedIPs = map[int]string{0: "*"} },
			wantErr: "allowed_ips",
		},
		{
			name:    "unparseable duration",
			mutate:  func(c *Config) { c.Pylon.HeartbeatInterval = "soon" },
			wantErr: "heartbeat_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

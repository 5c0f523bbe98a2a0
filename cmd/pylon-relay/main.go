// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Command pylon-relay runs the relay hub: the fixed meeting point that
// routes messages between Pylon devices and client apps.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/relay"
	"github.com/pylonhq/pylon/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pylon-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to pylon.yaml (overrides PYLON_CONFIG)")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := relay.NewRouter(relay.Config{
		Environment:   cfg.EnvID(),
		AllowedIPs:    cfg.Relay.AllowedIPs,
		Token:         cfg.Relay.Token,
		DefaultPolicy: wire.Broadcast(cfg.Relay.DefaultPolicy),
		Logger:        logger,
	})
	server := relay.NewServer(relay.ServerConfig{
		Addr:   cfg.Relay.Listen,
		Router: router,
		Logger: logger,
	})

	logger.Info("relay listening",
		"addr", cfg.Relay.Listen,
		"environment", cfg.Environment,
		"default_policy", cfg.Relay.DefaultPolicy,
	)
	return server.Serve(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

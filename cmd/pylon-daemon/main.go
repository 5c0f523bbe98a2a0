// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Command pylon-daemon runs the device-side Pylon process: it holds
// the outbound relay connection, serves companion apps on localhost,
// and bridges traffic between the two.
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
	"github.com/pylonhq/pylon/lib/identity"
	"github.com/pylonhq/pylon/pylon"
	"github.com/pylonhq/pylon/transfer"
	"github.com/pylonhq/pylon/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pylon-daemon:", err)
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

	var packetLog *pylon.PacketLog
	if cfg.Pylon.AuditLog != "" {
		packetLog, err = pylon.OpenPacketLog(cfg.Pylon.AuditLog, nil)
		if err != nil {
			return err
		}
		defer packetLog.Close()
	}

	// The bridge sits between the two transports; both callbacks close
	// over it so neither transport knows about the other.
	var bridge *pylon.Bridge
	var localServer *pylon.LocalServer

	relayClient := pylon.NewRelayClient(pylon.RelayClientConfig{
		URL:               cfg.Pylon.RelayURL,
		DeviceIndex:       cfg.Pylon.DeviceIndex,
		Name:              cfg.Pylon.Name,
		Token:             cfg.Pylon.Token,
		HeartbeatInterval: cfg.Pylon.HeartbeatIntervalValue(),
		HeartbeatTimeout:  cfg.Pylon.HeartbeatTimeoutValue(),
		ReconnectInterval: cfg.Pylon.ReconnectIntervalValue(),
		Logger:            logger,
		OnMessage: func(message wire.Message) {
			bridge.HandleRelayMessage(message)
		},
		OnStatusChange: func(connected bool) {
			localServer.SetRelayConnected(connected)
		},
	})

	localServer = pylon.NewLocalServer(pylon.LocalServerConfig{
		Addr:      cfg.Pylon.LocalListen,
		PacketLog: packetLog,
		Logger:    logger,
		OnMessage: func(message wire.Message) {
			bridge.HandleLocalMessage(message)
		},
	})

	globalID := identity.GlobalID(cfg.EnvID(), cfg.Pylon.DeviceIndex)
	bridge = pylon.NewBridge(pylon.BridgeConfig{
		Relay:         relayClient,
		Local:         localServer,
		Agent:         pylon.EchoAgent{},
		Store:         pylon.NewMemoryConversationStore(),
		Receiver:      transfer.NewReceiver(logger),
		Conversations: identity.NewConversationCounter(globalID),
		Logger:        logger,
	})

	relayClient.Connect()
	defer relayClient.Disconnect()

	logger.Info("pylon daemon running",
		"relay", cfg.Pylon.RelayURL,
		"device_index", cfg.Pylon.DeviceIndex,
		"local", cfg.Pylon.LocalListen,
	)
	return localServer.Serve(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"wisersync/internal/config"
	"wisersync/pkg/bridge"
)

func main() {
	// Load environment variables; a missing .env file is fine, plain
	// environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting gateway sync client",
		zap.String("host", cfg.Host),
		zap.String("username", cfg.Username),
		zap.Bool("strict_validation", cfg.StrictValidation))

	if cfg.Token == "" {
		logger.Info("No stored token, running claim handshake: press the gateway button to confirm")
	}

	handle, err := bridge.Connect(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to gateway", zap.Error(err))
	}
	defer handle.Disconnect()

	if token, err := handle.Token(); err == nil && cfg.Token == "" {
		logger.Info("Store this token to skip the claim handshake next time",
			zap.String("token", token))
	}

	g := handle.Graph()
	logger.Info("Entity graph ready",
		zap.Int("devices", len(g.Devices())),
		zap.Int("loads", len(g.Loads())),
		zap.Int("scenes", len(g.Scenes())),
		zap.Strings("host_devices", g.HostDeviceIDs()))

	// Log every confirmed state change.
	for _, load := range g.Loads() {
		name := load.Name
		if _, err := handle.Subscribe(load.ID, func(loadID int, fields map[string]interface{}) {
			logger.Info("Load state changed",
				zap.Int("load", loadID),
				zap.String("name", name),
				zap.Any("fields", fields))
		}); err != nil {
			logger.Warn("Failed to subscribe", zap.Int("load", load.ID), zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Monitoring gateway state changes. Press Ctrl+C to exit.")
	<-sigChan

	if err := handle.Err(); err != nil {
		logger.Error("Connection was lost permanently", zap.Error(err))
	}
	logger.Info("Shutting down gracefully...")
}

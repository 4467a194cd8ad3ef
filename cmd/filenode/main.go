package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/node"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("directory_backend", cfg.Directory.Backend),
		zap.Int("replica_count", cfg.Replication.ReplicaCount))

	dir, err := node.OpenDirectory(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to directory", zap.Error(err))
	}
	defer dir.Close()

	n, err := node.New(cfg, dir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		dir.Close()
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	if err := n.Shutdown(ctx); err != nil {
		logger.Warn("In-flight connections did not finish before the shutdown timeout", zap.Error(err))
	}
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zcfg.Build()
}

// Package main provides the entry point for the sitefs service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/sitefs/internal/bootstrap"
	"github.com/devrev/sitefs/internal/config"
	"github.com/devrev/sitefs/internal/gossip"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := initLogger(config.DefaultConfig().Logging)
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting sitefs",
		zap.Int("server_port", cfg.Server.Port),
		zap.Strings("sites", cfg.Topology.Sites),
		zap.String("invalidation_mode", cfg.Invalidation.Mode))

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	sys, err := bootstrap.Build(cfg, nil, m, logger)
	if err != nil {
		logger.Fatal("Failed to bootstrap replicas", zap.Error(err))
	}
	defer sys.Close()

	var membership *gossip.Service
	if cfg.Gossip.Enabled {
		membership, err = gossip.NewService(gossip.Config{
			NodeName:       cfg.Gossip.NodeName,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
		}, sys.Coordinator, logger)
		if err != nil {
			logger.Fatal("Failed to create gossip service", zap.Error(err))
		}
		if err := membership.Start(); err != nil {
			logger.Fatal("Failed to start gossip", zap.Error(err))
		}
	}

	errChan := make(chan error, 2)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, prometheus.DefaultGatherer, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	httpServer := server.NewServer(cfg, sys.Coordinator, sys.IdempotencyStore, m, logger)
	if membership != nil {
		httpServer.SetMembership(membership)
	}
	httpServer.SetupRoutes()
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}
	if membership != nil {
		if err := membership.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Failed to leave gossip cluster", zap.Error(err))
		}
	}

	logger.Info("sitefs shutdown complete")
}

// initLogger builds the zap logger from the logging section.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

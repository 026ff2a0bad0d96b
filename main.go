package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/engine"
	"github.com/meridian-data/meridian-engine/pkg/logging"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting meridian engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("dialect", cfg.Database.Dialect))

	// The engine is consumed as a library; running the binary directly
	// verifies configuration and database connectivity.
	registry, err := schema.NewRegistry()
	if err != nil {
		logger.Fatal("failed to build schema registry", zap.Error(err))
	}

	eng, err := engine.New(cfg, registry, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Ping(ctx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	logger.Info("database reachable, engine ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}

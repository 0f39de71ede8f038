package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reqguard/internal/api"
	"reqguard/internal/config"
	"reqguard/internal/consumer"
	"reqguard/internal/logging"
	"reqguard/internal/metrics"
	"reqguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "reqguard.yaml", "Path to config file (YAML or JSON)")
	flag.Parse()

	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName+"-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		logger.Error("failed to initialise storage", "err", err)
		os.Exit(1)
	}

	metricsStore := metrics.NewStore()
	c := consumer.New(consumer.NewKafkaReader(cfg.Consumer), store, logger, metricsStore)
	api.Start(ctx, manager, api.Options{
		Metrics: metricsStore,
		History: store,
		Intake:  c,
		Logger:  logger,
		Version: version,
	})

	logger.Info("event worker started",
		"brokers", cfg.Consumer.Brokers,
		"topic", cfg.Consumer.Topic,
		"group_id", cfg.Consumer.GroupID,
		"storage", cfg.Storage.Driver,
	)
	if err := c.Run(ctx); err != nil {
		logger.Error("event worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("event worker stopped")
}

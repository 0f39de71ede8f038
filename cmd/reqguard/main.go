package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"

	"reqguard/internal/alerts"
	"reqguard/internal/api"
	"reqguard/internal/config"
	"reqguard/internal/counter"
	"reqguard/internal/emitter"
	"reqguard/internal/engine"
	"reqguard/internal/geo"
	"reqguard/internal/logging"
	"reqguard/internal/metrics"
	"reqguard/internal/middleware"
	"reqguard/internal/publish"
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
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsStore := metrics.NewStore()
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)

	publisher, err := publish.New(cfg.Events, logger)
	if err != nil {
		logger.Error("failed to create event publisher", "driver", cfg.Events.Driver, "err", err)
		os.Exit(1)
	}
	events := emitter.New(publisher, emitter.Options{
		RoutingKey:     cfg.Events.RoutingKey,
		QueueSize:      cfg.Events.QueueSize,
		Workers:        cfg.Events.Workers,
		PublishTimeout: cfg.Events.PublishTimeout,
	}, logger, metricsStore)
	events.Start(ctx)

	counters := counter.NewMemoryStore(cfg.Counters.Shards)
	go counters.Run(ctx, cfg.Counters.ReapInterval)

	eng := engine.NewEngine(cfg, logger, counters, events, metricsStore, alertsStore)
	if cfg.GeoIP.Database != "" {
		resolver, err := geo.Open(cfg.GeoIP.Database, cfg.GeoIP.CacheSize)
		if err != nil {
			logger.Warn("geoip enrichment disabled", "err", err)
		} else {
			defer resolver.Close()
			eng.SetLocator(resolver)
		}
	}

	err = manager.Watch(ctx, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	})
	if err != nil {
		logger.Warn("config watch disabled", "err", err)
	}

	api.Start(ctx, manager, api.Options{
		Metrics: metricsStore,
		Alerts:  alertsStore,
		Engine:  eng,
		Queue:   events,
		Logger:  logger,
		Version: version,
	})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(middleware.Fiber(eng))
	app.Use(proxy.Balancer(proxy.Config{
		Servers: cfg.Gateway.Upstreams,
		Timeout: 30 * time.Second,
	}))

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("gateway shutdown failed", "err", err)
		}
	}()

	logger.Info("gateway listening", "addr", cfg.Gateway.Addr, "upstreams", cfg.Gateway.Upstreams, "version", version)
	if err := app.Listen(cfg.Gateway.Addr); err != nil {
		logger.Error("gateway stopped", "err", err)
	}

	if err := events.Close(); err != nil {
		logger.Warn("event publisher close failed", "err", err)
	}
	logger.Info("gateway stopped")
}

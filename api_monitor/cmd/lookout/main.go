package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"shadmission/api_monitor/internal/broadcast"
	"shadmission/api_monitor/internal/collector"
	"shadmission/api_monitor/internal/handlers"
	"shadmission/api_monitor/internal/metrics"
	"shadmission/api_monitor/internal/query"
	"shadmission/api_monitor/internal/relay"
	"shadmission/api_monitor/internal/source"
	"shadmission/api_monitor/internal/store"
	"shadmission/api_monitor/internal/websocket"
	"shadmission/pkg/api/monitor"
	"shadmission/pkg/cache"
	"shadmission/pkg/clients"
	"shadmission/pkg/config"
	"shadmission/pkg/geoip"
	"shadmission/pkg/logging"
	"shadmission/pkg/middleware"
	"shadmission/pkg/monitoring"
	"shadmission/pkg/redis"
	"shadmission/pkg/server"
	"shadmission/pkg/transmission"
	"shadmission/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("lookout")
	config.LoadEnv(logger)
	version.ComponentName = "lookout"

	// run owns every deferred Close; Fatal would skip them
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("lookout exited with error")
	}
	logger.Info("lookout stopped")
}

func run(logger logging.Logger) error {
	cfg := loadConfig().normalize()
	logger.WithFields(logging.Fields{
		"version":  version.Version,
		"commit":   version.GetShortCommit(),
		"backend":  cfg.StoreBackend,
		"data_dir": cfg.DataDir,
	}).Info("Starting lookout")

	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Store
	snapshotStore, err := store.Open(store.Config{Backend: cfg.StoreBackend, DataDir: cfg.DataDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer snapshotStore.Close()
	instrumentedStore := store.WithMetrics(snapshotStore, serviceMetrics.DBQueries, serviceMetrics.DBDuration)

	// Source
	txClient, err := transmission.NewClient(transmission.Config{
		URL:      cfg.TransmissionURL,
		Username: cfg.TransmissionUsername,
		Password: cfg.TransmissionPassword,
		Timeout:  cfg.SourceTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create transmission client: %w", err)
	}
	breakerMetrics := clients.NewCircuitBreakerMetrics(metricsCollector)
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:          "transmission",
		Logger:        logger,
		OnStateChange: breakerMetrics.OnStateChange,
	})

	sourceCfg := source.Config{
		Lister:  txClient,
		Breaker: breaker,
		Timeout: cfg.SourceTimeout,
		Logger:  logger,
	}
	geoReader, err := geoip.NewReader(cfg.GeoIPPath)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.GeoIPPath).Warn("GeoIP database unavailable, peer countries disabled")
	}
	if geoReader.IsLoaded() {
		defer geoReader.Close()
		sourceCfg.Geo = geoip.NewCachedReader(geoReader, time.Hour, 10000, cache.MetricsHooks{
			OnHit:   serviceMetrics.GeoLookups.WithLabelValues("hit").Inc,
			OnMiss:  serviceMetrics.GeoLookups.WithLabelValues("miss").Inc,
			OnEvict: serviceMetrics.GeoLookups.WithLabelValues("evict").Inc,
		})
		logger.WithFields(logging.Fields{
			"provider": geoReader.Provider(),
			"path":     geoReader.DatabasePath(),
		}).Info("GeoIP lookups enabled")
	}
	sampler := source.NewTransmissionSource(sourceCfg)

	// Live fan-out
	setSubscribers := func(n int) { serviceMetrics.Subscribers.WithLabelValues().Set(float64(n)) }
	distributor := broadcast.New(cfg.SubscriberBuffer, broadcast.Hooks{
		OnSubscribe:   setSubscribers,
		OnUnsubscribe: setSubscribers,
		OnDrop: func(n int) {
			setSubscribers(n)
			serviceMetrics.DroppedSubscribers.WithLabelValues().Inc()
		},
	}, logger)
	hub := websocket.NewHub(distributor, logger, originChecker(cfg.CORSOrigins), func(delta int) {
		serviceMetrics.WSConnections.WithLabelValues().Add(float64(delta))
	})

	coll := collector.New(collector.Config{
		Sampler:         sampler,
		Store:           instrumentedStore,
		Publisher:       distributor,
		Interval:        cfg.Interval,
		Retention:       cfg.Retention,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          logger,
		Metrics:         serviceMetrics,
	})

	// Health
	healthChecker.AddCheck("store", monitoring.PingHealthCheck("store", snapshotStore, monitoring.StatusUnhealthy))
	healthChecker.AddCheck("transmission", monitoring.PingHealthCheck("transmission", txClient, monitoring.StatusDegraded))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"TRANSMISSION_URL": cfg.TransmissionURL,
		"DATA_DIR":         cfg.DataDir,
		"STORE_BACKEND":    cfg.StoreBackend,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional Redis relay
	var snapshotRelay *relay.Relay
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, snapshot relay disabled")
		} else {
			defer redisClient.Close()
			healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", redis.Pinger{Client: redisClient}, monitoring.StatusDegraded))
			snapshotRelay = relay.New(relay.Config{
				Feed:      distributor,
				Publisher: redis.NewTypedPubSub[monitor.Snapshot](redisClient, logger),
				Channel:   cfg.RedisChannel,
				Logger:    logger,
				Messages:  serviceMetrics.RelayMessages,
			})
		}
	}

	// HTTP
	cors := middleware.DefaultCORSConfig()
	cors.Origins = cfg.CORSOrigins
	router := server.SetupServiceRouter(logger, "lookout", cors, healthChecker, metricsCollector)
	handlers.New(query.NewService(instrumentedStore, cfg.Retention), hub, logger).Register(router)

	if err := coll.Start(ctx); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.DefaultConfig("lookout", cfg.Port), router, logger)
	})
	if snapshotRelay != nil {
		g.Go(func() error { return snapshotRelay.Run(gctx) })
	}

	runErr := g.Wait()

	coll.Stop()
	distributor.Close()
	return runErr
}

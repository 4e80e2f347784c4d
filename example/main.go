package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus"
	"github.com/overtonx/eventbus/config"
	"github.com/overtonx/eventbus/storage/redisstore"
	"github.com/overtonx/eventbus/storage/sqlstore"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file; EVENTBUS_* env is used otherwise")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	dialect, ok := sqlstore.DialectFor(cfg.Database.Driver)
	if !ok {
		logger.Fatal("Unsupported database driver", zap.String("driver", cfg.Database.Driver))
	}
	store := sqlstore.NewSQLStore(db, sqlstore.WithDialect(dialect), sqlstore.WithLogger(logger))
	if err := store.EnsureTables(ctx); err != nil {
		logger.Fatal("Failed to ensure tables", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := eventbus.NewPrometheusMetricsCollector(registry, "app")

	cfgManager := config.NewManager(cfg)
	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(metrics),
		eventbus.WithConfig(cfgManager),
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to ping redis", zap.Error(err))
		}
		opts = append(opts, eventbus.WithProcessingLog(
			redisstore.NewProcessingLog(client, redisstore.WithTTL(cfg.Retention.ProcessingLog)),
		))
		logger.Info("Using redis processing log", zap.String("addr", cfg.Redis.Addr))
	}

	bus := eventbus.NewBus(store, opts...)

	entries := moduleEntries(bus, logger)
	if cfg.Kafka.Brokers != "" {
		publisher, relayEntries, err := kafkaRelay(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to set up kafka relay", zap.Error(err))
		}
		defer publisher.Close()
		entries = append(entries, relayEntries...)
	}

	if report := eventbus.Bootstrap(bus, entries, logger); !report.OK() {
		logger.Warn("Some handlers failed to register", zap.Int("failed", len(report.Failed)))
	}

	// Размер пакета и сроки хранения читаются из менеджера на каждом тике.
	workers := []eventbus.Worker{
		eventbus.NewBaseWorker("event_processor", cfg.PollInterval, logger, func(ctx context.Context) error {
			return eventbus.NewEventProcessor(bus.Outbox(), bus, logger, metrics, cfgManager.Get().BatchSize).ProcessEvents(ctx)
		}),
		eventbus.NewBaseWorker("stuck_event_processor", 30*time.Second, logger, func(ctx context.Context) error {
			c := cfgManager.Get()
			return eventbus.NewStuckEventService(bus.Outbox(), logger, metrics, c.StuckTimeout, c.BatchSize).RecoverStuckEvents(ctx)
		}),
		eventbus.NewBaseWorker("cleanup_processor", 5*time.Minute, logger, func(ctx context.Context) error {
			return eventbus.NewCleanupService(store, logger, metrics, cfgManager.Get().Retention).Cleanup(ctx)
		}),
	}
	dispatcher := eventbus.NewDispatcher(logger, workers...)
	go dispatcher.Start(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newAdminRouter(bus, eventbus.NewDeadLetterService(store, logger, metrics), registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Admin server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", zap.Error(err))
			stop()
		}
	}()

	go emitSampleLeads(ctx, bus, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down admin server", zap.Error(err))
	}
	dispatcher.Stop()
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close event bus", zap.Error(err))
	}
	logger.Info("Stopped gracefully")
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func kafkaRelay(cfg config.KafkaConfig, logger *zap.Logger) (eventbus.Publisher, []eventbus.Entry, error) {
	codec, err := eventbus.CodecByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := eventbus.NewKafkaPublisher(logger,
		eventbus.WithBrokers(cfg.Brokers),
		eventbus.WithDefaultTopic(cfg.Topic),
	)
	if err != nil {
		return nil, nil, err
	}

	relay := eventbus.NewRelayHandler(publisher, eventbus.WithRelayCodec(codec))
	entries := make([]eventbus.Entry, 0, len(cfg.Events))
	for _, name := range cfg.Events {
		entries = append(entries, eventbus.Entry{
			EventName: name,
			Handler:   relay,
			Options: eventbus.HandlerOptions{
				Module:    "kafka",
				HandlerID: "relay",
				Timeout:   20 * time.Second,
			},
		})
	}
	return publisher, entries, nil
}

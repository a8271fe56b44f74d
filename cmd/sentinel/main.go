// Package main is the entry point for the sentinel daemon: the detection
// cycle scheduler and its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"sentinel/internal/api"
	"sentinel/internal/config"
	"sentinel/internal/credentials"
	"sentinel/internal/detection/classifier"
	"sentinel/internal/detection/model"
	"sentinel/internal/encryption"
	apierrors "sentinel/internal/errors"
	"sentinel/internal/kafka"
	"sentinel/internal/logging"
	"sentinel/internal/metrics"
	"sentinel/internal/notify"
	"sentinel/internal/pipeline"
	"sentinel/internal/response"
	"sentinel/internal/stats"
	"sentinel/internal/storage"
	"sentinel/internal/storage/s3"
)

// closer is released in reverse order of acquisition at shutdown.
type closer struct {
	name string
	fn   func() error
}

type closers []closer

func (c *closers) add(name string, fn func() error) {
	*c = append(*c, closer{name: name, fn: fn})
}

func (c closers) closeAll(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			logger.Error("close error", "component", c[i].name, "error", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	// Error details reach API clients only in development.
	apierrors.SetProductionMode(os.Getenv("SENTINEL_ENV") != "development")

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"feed", cfg.Pipeline.Feed,
		"cycle_interval", cfg.Pipeline.Interval,
		"auth_enabled", cfg.Auth.Enabled,
		"real_executors", cfg.Response.RealExecutors(),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("sentinel stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup closers
	defer func() { cleanup.closeAll(logger) }()

	m := metrics.New()
	var checks []api.Option

	// Storage
	ledger, err := openLedger(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	cleanup.add("ledger", ledger.Close)

	if cfg.Encryption.Enabled {
		previous := make([]encryption.VersionedKey, 0, len(cfg.Encryption.PreviousKeys))
		for _, k := range cfg.Encryption.PreviousKeys {
			previous = append(previous, encryption.VersionedKey{Version: k.Version, MasterKey: []byte(k.MasterKey)})
		}
		engine, err := encryption.NewEngineWithHistory(&encryption.Config{
			Enabled:    true,
			MasterKey:  []byte(cfg.Encryption.MasterKey),
			KeyVersion: cfg.Encryption.KeyVersion,
			Logger:     logger,
		}, previous)
		if err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
		ledger = storage.NewSealedLedger(ledger, engine)
		logger.Info("ledger sealing enabled", "key_version", engine.KeyVersion())
	}

	storageLedger := ledger
	checks = append(checks, api.WithHealthCheck("storage", func(ctx context.Context) error {
		_, err := storageLedger.CountThreats(ctx, storage.ThreatFilter{Limit: 1})
		return err
	}))
	ledger = storage.NewDegradingLedger(ledger, logger, m)

	// Detection
	detector := model.NewDetector(cfg.Detection.Model,
		model.WithLogger(logger),
		model.WithMetrics(m),
	)
	cls := classifier.New(
		classifier.WithThreshold(cfg.Detection.Threshold),
		classifier.WithLogger(logger),
		classifier.WithMetrics(m),
	)

	// Kafka carries the log feed in and agent commands out.
	realBackends := cfg.Response.RealExecutors()
	if cfg.Pipeline.Feed == pipeline.FeedKafka || slices.Contains(realBackends, response.BackendKafka) {
		admin, err := kafka.NewAdmin(&cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("kafka admin: %w", err)
		}
		if cfg.Kafka.EnsureTopics {
			if err := admin.EnsureTopics(ctx); err != nil {
				return fmt.Errorf("kafka topics: %w", err)
			}
		}
		checks = append(checks, api.WithHealthCheck("kafka", func(ctx context.Context) error {
			status := admin.HealthCheck(ctx)
			switch {
			case status.Error != "":
				return errors.New(status.Error)
			case !status.Healthy:
				return errors.New("no brokers available")
			}
			return nil
		}))
	}

	// Response backends
	backends := response.Backends{Redis: cfg.Redis}
	for _, backend := range realBackends {
		switch backend {
		case response.BackendRedis:
			store, err := response.NewGoRedisStore(ctx, cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			cleanup.add("redis", store.Close)
			backends.Blocklist = store
			checks = append(checks, api.WithHealthCheck("redis", store.Ping))

		case response.BackendS3:
			client, err := s3.NewClient(ctx, &cfg.S3.Config, logger)
			if err != nil {
				return fmt.Errorf("s3: %w", err)
			}
			evidence, err := s3.NewEvidenceStore(client, cfg.S3.Evidence, logger)
			if err != nil {
				return fmt.Errorf("s3 evidence: %w", err)
			}
			cleanup.add("evidence", evidence.Close)
			backends.Evidence = evidence
			backends.Bucket = client.GetBucket()
			checks = append(checks, api.WithHealthCheck("s3", func(ctx context.Context) error {
				if status := client.HealthCheck(ctx); !status.Healthy {
					return errors.New(status.Error)
				}
				return nil
			}))

		case response.BackendKafka:
			producer, err := kafka.NewProducer(&cfg.Kafka, logger)
			if err != nil {
				return fmt.Errorf("kafka producer: %w", err)
			}
			cleanup.add("kafka producer", producer.Close)
			backends.Commands = producer
		}
	}

	registry, err := response.BuildRegistry(cfg.Response, backends, logger)
	if err != nil {
		return err
	}
	rules, err := response.NewRuleTable(cfg.Response.Rules)
	if err != nil {
		return err
	}

	// Notifications
	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.Enabled {
		n, err := notify.Connect(cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		cleanup.add("nats", n.Close)
		notifier = n
	}

	orchestrator := response.NewOrchestrator(ledger, registry,
		response.WithRules(rules),
		response.WithHandlerTimeout(cfg.Response.HandlerTimeout),
		response.WithNotifier(notifier),
		response.WithLogger(logger),
		response.WithMetrics(m),
	)

	// Feed
	feed, err := openFeed(cfg, logger, m, &cleanup)
	if err != nil {
		return err
	}

	creds := credentials.NewManager(cfg.Credentials, logger)

	scheduler, err := pipeline.NewScheduler(cfg.Pipeline, pipeline.Deps{
		Feed:       feed,
		Ledger:     ledger,
		Detector:   detector,
		Classifier: cls,
		Responder:  orchestrator,
	},
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithNotifier(notifier),
		pipeline.WithCredentials(creds),
	)
	if err != nil {
		return err
	}

	// HTTP API
	opts := append([]api.Option{api.WithLogger(logger)}, checks...)
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(m), api.WithMetricsPath(cfg.Metrics.Path))
	}
	srv, err := api.NewServer(api.Deps{
		Ledger:       ledger,
		Orchestrator: orchestrator,
		Cycler:       scheduler,
		Stats:        stats.NewService(ledger, stats.WithLogger(logger)),
		Credentials:  creds,
	}, opts...)
	if err != nil {
		return err
	}

	handler, limiter := api.WithMiddleware(srv.Handler(), cfg, logger, m)
	defer limiter.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("api server: %w", err)
	case err := <-schedulerDone:
		schedulerDone <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("scheduler: %w", err)
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// An in-flight cycle finishes its current step before Run returns.
	cancel()
	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	logger.Info("sentinel stopped")
	return runErr
}

// openLedger connects the configured storage backend and prepares its
// schema.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (storage.Ledger, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQL:
		logger.Info("opening sql ledger", "driver", cfg.Storage.SQL.Driver)
		l, err := storage.NewSQLLedger(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, err
		}
		if err := l.RunMigrations(ctx); err != nil {
			l.Close()
			return nil, fmt.Errorf("sql migrations: %w", err)
		}
		return l, nil

	case config.BackendClickHouse:
		logger.Info("opening clickhouse ledger",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		client, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureDatabase(ctx); err != nil {
			client.Close()
			return nil, err
		}
		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		if err := storage.NewRetentionManager(client, cfg.Storage.Retention, logger).ApplyTTLs(ctx); err != nil {
			logger.Warn("failed to apply retention", "error", err)
		}
		writer := storage.NewBatchWriter(client, cfg.Storage.BatchWriter, logger, storage.WithBatchMetrics(m))
		return storage.NewClickHouseLedger(client, writer), nil

	default:
		logger.Info("using in-memory ledger")
		return storage.NewMemoryLedger(), nil
	}
}

// openFeed builds the log source. The kafka feed is filled by a consumer
// group that runs until shutdown.
func openFeed(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, cleanup *closers) (pipeline.Feed, error) {
	if cfg.Pipeline.Feed != pipeline.FeedKafka {
		return pipeline.NewSimulatedFeed(cfg.Pipeline.SimulatedBatch, uint64(time.Now().UnixNano())), nil
	}

	feed := pipeline.NewQueueFeed(cfg.Pipeline.QueueSize, logger, m)
	consumer, err := kafka.NewConsumer(&cfg.Kafka, feed.HandleMessage, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := consumer.StartAsync(); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	cleanup.add("kafka feed", func() error {
		err := consumer.Stop()
		feed.Close()
		return err
	})
	return feed, nil
}

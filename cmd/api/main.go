package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wms-platform/occupation-service/internal/api/handlers"
	"github.com/wms-platform/occupation-service/internal/application"
	"github.com/wms-platform/occupation-service/internal/conflict"
	"github.com/wms-platform/occupation-service/internal/domain"
	kafkaSink "github.com/wms-platform/occupation-service/internal/infrastructure/kafka"
	"github.com/wms-platform/occupation-service/internal/infrastructure/memory"
	mongoStore "github.com/wms-platform/occupation-service/internal/infrastructure/mongodb"
	redisStore "github.com/wms-platform/occupation-service/internal/infrastructure/redis"
	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/cloudevents"
	"github.com/wms-platform/occupation-service/pkg/kafka"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/metrics"
	"github.com/wms-platform/occupation-service/pkg/middleware"
	"github.com/wms-platform/occupation-service/pkg/mongodb"
	"github.com/wms-platform/occupation-service/pkg/resilience"
	"github.com/wms-platform/occupation-service/pkg/tracing"
)

const serviceName = "occupation-service"

// recordBackend is a RecordStore plus the hooks run needs around it
type recordBackend struct {
	store  domain.RecordStore
	put    func(ctx context.Context, w *domain.WorkUnit) error
	health func(ctx context.Context) error
	close  func(ctx context.Context) error
}

// lockBackend is a lock.Store plus its lifecycle hooks
type lockBackend struct {
	store  lock.Store
	health func(ctx context.Context) error
	close  func(ctx context.Context) error
}

// notifier is a NotificationSink plus its lifecycle hook
type notifier struct {
	sink  domain.NotificationSink
	close func() error
}

var newRecordBackend = func(ctx context.Context, cfg *Config, m *metrics.Metrics, logger *logging.Logger) (*recordBackend, error) {
	if cfg.RecordStore == DriverMemory {
		store := memory.NewRecordStore()
		return &recordBackend{
			store: store,
			put: func(_ context.Context, w *domain.WorkUnit) error {
				store.Put(w)
				return nil
			},
		}, nil
	}

	client, err := resilience.RetryWithResult(ctx, resilience.DefaultRetryConfig(), func() (*mongodb.Client, error) {
		return mongodb.NewClient(ctx, cfg.MongoDB)
	})
	if err != nil {
		return nil, err
	}
	store := mongoStore.NewRecordStore(client.Database(), logger, m)
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &recordBackend{
		store:  store,
		put:    store.Upsert,
		health: store.HealthCheck,
		close:  client.Close,
	}, nil
}

var newLockBackend = func(ctx context.Context, cfg *Config, m *metrics.Metrics, logger *logging.Logger) (*lockBackend, error) {
	if cfg.LockStore == DriverMemory {
		return &lockBackend{store: lock.NewMemoryStore()}, nil
	}

	client := redisStore.NewClient(cfg.Redis)
	store := redisStore.NewLockStore(client, logger, m)
	if err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error { return store.HealthCheck(ctx) }); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &lockBackend{
		store:  store,
		health: store.HealthCheck,
		close:  func(context.Context) error { return client.Close() },
	}, nil
}

var newNotifier = func(ctx context.Context, cfg *Config, m *metrics.Metrics, logger *logging.Logger) (*notifier, error) {
	if cfg.Notifier == DriverLog {
		return &notifier{sink: kafkaSink.NewLogPublisher(logger)}, nil
	}

	if getEnv("KAFKA_CREATE_TOPICS", "false") == "true" {
		topics := kafka.DefaultTopicConfigs()
		topics[0].Name = cfg.Topic
		if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, topics); err != nil {
			logger.WithError(err).Warn("Failed to ensure kafka topics")
		}
	}

	producer := kafka.NewProducer(cfg.Kafka)
	factory := cloudevents.NewEventFactory(cloudevents.SourceOccupation)
	return &notifier{
		sink:  kafkaSink.NewEventPublisher(producer, factory, cfg.Topic, logger, m),
		close: producer.Close,
	}, nil
}

var newMetrics = metrics.New

var initTracing = tracing.Initialize

var startHTTPServer = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

func main() {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(context.Background(), signalCh); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, signalCh <-chan os.Signal) error {
	logConfig := logging.DefaultConfig(serviceName)
	logConfig.Level = logging.LogLevel(getEnv("LOG_LEVEL", "info"))
	logger := logging.New(logConfig)
	logger.SetDefault()

	logger.Info("Starting occupation-service API")

	config, err := loadConfig()
	if err != nil {
		logger.WithError(err).Error("Invalid configuration")
		return err
	}

	tracingConfig := tracing.DefaultConfig(serviceName)
	tracingConfig.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	tracingConfig.Environment = getEnv("ENVIRONMENT", "development")
	tracingConfig.Enabled = getEnv("TRACING_ENABLED", "true") == "true"

	tracerProvider, err := initTracing(ctx, tracingConfig)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
	} else if tracerProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Failed to shutdown tracer")
			}
		}()
		logger.Info("Tracing initialized", "endpoint", tracingConfig.OTLPEndpoint)
	}

	m := newMetrics(metrics.DefaultConfig(serviceName))

	records, err := newRecordBackend(ctx, config, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize record store", "driver", config.RecordStore)
		return err
	}
	if records.close != nil {
		defer records.close(context.Background())
	}
	logger.Info("Record store ready", "driver", config.RecordStore)

	locksBackend, err := newLockBackend(ctx, config, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize lock store", "driver", config.LockStore)
		return err
	}
	if locksBackend.close != nil {
		defer locksBackend.close(context.Background())
	}
	logger.Info("Lock store ready", "driver", config.LockStore, "mode", config.Lock.Mode)

	sink, err := newNotifier(ctx, config, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize notifier", "driver", config.Notifier)
		return err
	}
	if sink.close != nil {
		defer func() {
			if err := sink.close(); err != nil {
				logger.WithError(err).Warn("Failed to close notifier")
			}
		}()
	}

	if err := seed(ctx, records, config.Seed, logger); err != nil {
		logger.WithError(err).Error("Failed to seed work units")
		return err
	}

	locks := lock.NewManager(locksBackend.store, lock.RecordOccupants(records.store), config.lockConfig(), logger).
		WithObserver(m)
	resolver := conflict.NewResolver(records.store, config.retryPolicy(), conflict.NewMetrics(), logger,
		conflict.WithObserver(m),
	)
	occupationService := application.NewOccupationService(records.store, locks, resolver, sink.sink, logger,
		application.WithObserver(m),
	)
	policy := resolver.Policy()
	logger.Info("Conflict resolver ready",
		"atomic", resolver.Atomic(),
		"maxAttempts", policy.MaxAttempts,
		"maxWait", policy.MaxWait().String(),
	)
	if !resolver.Atomic() {
		logger.Warn("Record store has no conditional write; concurrent writers rely on read-verify-write")
	}

	occupationHandler := handlers.NewOccupationHandler(occupationService, logger)

	router := gin.New()
	middlewareConfig := middleware.DefaultConfig(serviceName, logger.Logger)
	middlewareConfig.Metrics = m
	middlewareConfig.ErrorMapper = application.ToAppError
	middlewareConfig.RequestTimeout = config.RequestTimeout
	middlewareConfig.CORSOrigins = config.CORSOrigins
	middleware.Setup(router, middlewareConfig)

	router.GET("/health", middleware.HealthCheck(serviceName))
	router.GET("/ready", middleware.ReadinessCheck(serviceName, func(ctx context.Context) error {
		for _, check := range []func(context.Context) error{records.health, locksBackend.health} {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
	router.GET("/metrics", middleware.MetricsEndpoint(m))

	occupationHandler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         config.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: config.RequestTimeout + 5*time.Second,
	}

	go func() {
		if err := startHTTPServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server error")
		}
	}()
	logger.Info("Server started", "addr", config.ServerAddr)

	<-signalCh
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
	return nil
}

// seed creates the configured work units that do not exist yet
func seed(ctx context.Context, records *recordBackend, units []SeedUnit, logger *logging.Logger) error {
	for _, u := range units {
		_, err := records.store.Read(ctx, u.WorkUnitID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrWorkUnitNotFound) {
			return err
		}

		w := &domain.WorkUnit{ID: u.WorkUnitID, Version: "v0"}
		if u.MaterialsReady {
			now := time.Now().UTC()
			w.MaterialsReadyAt = &now
		}
		if err := records.put(ctx, w); err != nil {
			return fmt.Errorf("seed %s: %w", u.WorkUnitID, err)
		}
		logger.Info("Seeded work unit", "workUnitId", u.WorkUnitID)
	}
	return nil
}

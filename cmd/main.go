package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"hermes/internal/adapters/config"
	"hermes/internal/adapters/errors/noop"
	"hermes/internal/adapters/errors/sentry"
	"hermes/internal/adapters/kafka"
	"hermes/internal/adapters/postgres"
	"hermes/internal/adapters/redis"
	"hermes/internal/api"
	"hermes/internal/api/health"
	usageapi "hermes/internal/api/usage"
	"hermes/internal/consumers"
	"hermes/internal/metrics"
	"hermes/internal/pricing"
	repo "hermes/internal/repository/postgres"
	usageservice "hermes/internal/services/usage"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	loc, err := cfg.App.Location()
	if err != nil {
		log.Fatalf("Failed to resolve timezone: %v", err)
	}

	// Postgres
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgClient.Close()

	if cfg.Postgres.Migrate {
		if err := pgClient.RunMigrations(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		version, _ := pgClient.MigrationVersion(context.Background())
		log.Infof("✓ Database migrated to version %d", version)
	}

	// Redis (optional summary cache)
	var cache usageservice.SummaryCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		cache = redisClient
		log.Info("✓ Summary cache enabled")
	}

	// Pricing
	resolver, err := pricing.NewResolver(pricing.DefaultTable(), cfg.Pricing)
	if err != nil {
		log.Fatalf("Failed to build pricing resolver: %v", err)
	}

	// Repository and service
	usageRepo := repo.NewUsageRepository(pgClient.DB(), loc)
	service := usageservice.NewService(usageRepo, resolver, cache, cfg.Redis.SummaryTTL)

	metrics.Register(metrics.NewStoreCollector(log, pgClient.DB()))

	// HTTP server
	limiter := rate.NewLimiter(rate.Limit(cfg.Server.ReportRateLimit), cfg.Server.ReportRateBurst)
	usageHandler := usageapi.NewHandler(service, limiter, loc)
	healthHandler := health.New(log, pgClient.DB(), redisClient, cfg.App.Name, cfg.App.Version)

	server := api.NewServer(api.ServerConfig{
		Port:        cfg.Server.Port,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	}, usageHandler, healthHandler, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Kafka consumer (optional second ingestion transport)
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		})
		usageConsumer := consumers.NewUsageReportsConsumer(consumer, service)
		go func() {
			if err := usageConsumer.Start(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("Usage reports consumer stopped: %v", err)
			}
		}()
	}

	log.Info("System initialized successfully")

	waitForShutdown(ctx, cancel, server, errorTracker, serverErr, log)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// waitForShutdown blocks until a signal arrives or the server fails, then
// drains everything gracefully.
func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	server *api.Server,
	errorTracker errors.Tracker,
	serverErr <-chan error,
	log *logger.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %s, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Errorf("HTTP server failed: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to stop HTTP server: %v", err)
	}

	if err := errorTracker.Flush(shutdownCtx); err != nil {
		log.Errorf("Failed to flush error tracker: %v", err)
	}

	log.Info("✓ Shutdown complete")
}

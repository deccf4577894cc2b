// Package main provides the event bus server: JetStream-backed bus, dead-letter
// sweeper, payload purger and the admin HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/coregx/eventbus"
	"github.com/coregx/eventbus/adapters/relica"
	"github.com/coregx/eventbus/cmd/eventbus-server/internal/api"
	"github.com/coregx/eventbus/cmd/eventbus-server/internal/config"
	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/idempotency"
	"github.com/coregx/eventbus/internal/id"
	"github.com/coregx/eventbus/payload"
	"github.com/coregx/eventbus/retry"
	"github.com/coregx/eventbus/substrate/natsjs"
	"github.com/coregx/eventbus/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("eventbus-server: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Bus.LogLevel)}))
	slog.SetDefault(slogger)
	logger := eventbus.NewSlogLogger(slogger)

	logger.Infof("Starting event bus server: service=%s, http=%s:%d, db=%s, nats=%s",
		cfg.Bus.ServiceName, cfg.Server.Host, cfg.Server.Port, cfg.Database.Driver, cfg.NATS.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnf("Failed to close database: %v", closeErr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if cfg.Database.Migrate {
		applied, err := relica.Migrate(ctx, db, cfg.Database.Driver)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Infof("Database migrated: applied=%v", applied)
	}

	var repos *relica.Repositories
	if cfg.Database.Prefix != "" {
		repos = relica.NewRepositoriesWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	} else {
		repos = relica.NewRepositories(db, cfg.Database.Driver)
	}

	ids, err := id.NewGenerator(cfg.Bus.NodeID)
	if err != nil {
		return fmt.Errorf("id generator: %w", err)
	}
	payloads, err := payload.NewStore(repos.Payloads, ids, payload.DefaultConfig())
	if err != nil {
		return fmt.Errorf("payload store: %w", err)
	}

	// Processed-event records
	var processed idempotency.Store
	if cfg.Bus.RedisURL != "" {
		redisStore, err := idempotency.NewRedisStoreFromURL(ctx, cfg.Bus.RedisURL, "eventbus:processed:", cfg.Bus.ProcessedTTL)
		if err != nil {
			return fmt.Errorf("processed store: %w", err)
		}
		defer redisStore.Close()
		processed = redisStore
	} else {
		processed = idempotency.NewMemoryStore(cfg.Bus.ProcessedTTL)
	}

	// Telemetry
	res := resource.NewSchemaless(attribute.String("service.name", cfg.Bus.ServiceName))
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
		_ = meterProvider.Shutdown(shutdownCtx)
	}()
	recorder, err := telemetry.New(meterProvider, tracerProvider)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var notifications eventbus.NotificationService = &eventbus.NoOpNotificationService{}
	if cfg.Bus.EnableNotifications {
		notifications = eventbus.NewLoggingNotificationService(logger)
	}

	connectStrategy := retry.DefaultConnectStrategy()
	connectStrategy.MaxAttempts = cfg.Bus.ConnectAttempts

	opts := []eventbus.Option{
		eventbus.WithConnector(natsjs.NewConnector(natsjs.Config{
			URL:    cfg.NATS.URL,
			Token:  cfg.NATS.Token,
			Name:   cfg.Bus.ServiceName,
			Logger: slogger,
		})),
		eventbus.WithLogger(logger),
		eventbus.WithServiceName(cfg.Bus.ServiceName),
		eventbus.WithConnectRetry(connectStrategy),
		eventbus.WithDeadLetterRepository(repos.DeadLetters),
		eventbus.WithPayloadStore(payloads),
		eventbus.WithIDGenerator(ids),
		eventbus.WithIdempotencyStore(processed),
		eventbus.WithTelemetry(recorder),
		eventbus.WithNotifications(notifications),
	}
	if cfg.Bus.StreamsFile != "" {
		defs, fallback, err := config.LoadStreams(cfg.Bus.StreamsFile)
		if err != nil {
			return err
		}
		opts = append(opts, eventbus.WithStreams(defs, fallback))
	}

	bus, err := eventbus.New(opts...)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			logger.Warnf("Failed to close bus: %v", closeErr)
		}
	}()

	deadLetters, err := bus.NewDeadLetterService(dlq.WithBatchSize(cfg.Bus.SweepBatchSize))
	if err != nil {
		return fmt.Errorf("dead-letter service: %w", err)
	}
	replays, err := bus.NewReplayEngine(cfg.Bus.ServiceName)
	if err != nil {
		return fmt.Errorf("replay engine: %w", err)
	}
	defer replays.Close()

	worker, err := eventbus.NewMaintenanceWorker(
		eventbus.WithWorkerDeadLetters(deadLetters),
		eventbus.WithWorkerPayloads(payloads),
		eventbus.WithWorkerLogger(logger),
		eventbus.WithWorkerBatchSize(cfg.Bus.PurgeBatchSize),
		eventbus.WithWorkerPurgeInterval(cfg.Bus.PurgeInterval),
	)
	if err != nil {
		return fmt.Errorf("maintenance worker: %w", err)
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx, cfg.Bus.SweepInterval)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(api.NewHandler(bus, deadLetters, replays, payloads, reader, logger), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Infof("Shutting down on %s", sig)
	case err := <-serverErr:
		logger.Errorf("HTTP server failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server forced to shutdown: %v", err)
	}

	cancel()
	<-workerDone
	logger.Infof("Server stopped gracefully")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/didx-xyz/waypoint/internal/api"
	"github.com/didx-xyz/waypoint/internal/application/factories/infrastructure"
	"github.com/didx-xyz/waypoint/internal/cache"
	"github.com/didx-xyz/waypoint/internal/config"
	"github.com/didx-xyz/waypoint/internal/eventstore"
	"github.com/didx-xyz/waypoint/internal/listener"
)

func main() {
	cfg, cfgErr := config.New()

	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg),
	}))
	slog.SetDefault(logger)

	if cfgErr != nil {
		logger.Error("failed to load config", "error", cfgErr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	store := eventstore.New(redisClient, cfg.Cache.MaxEventAge, logger)

	manager := cache.New(cache.Config{
		MaxQueueSize:          cfg.Cache.MaxQueueSize,
		MaxEventAge:           cfg.Cache.MaxEventAge,
		QueueCleanupPeriod:    cfg.Cache.QueueCleanupPeriod,
		ClientQueuePollPeriod: cfg.Cache.ClientQueuePollPeriod,
		NotifyMaxRetries:      cfg.Cache.NotifyMaxRetries,
	}, store, logger)
	manager.Start()
	defer manager.Stop()

	ingest := listener.New(infraFactory.KafkaConsumer(), store, cfg.Kafka.ReplayWindow, logger)
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		if err := ingest.Run(ctx); err != nil {
			// A dead listener means silently missed events; fail visibly.
			logger.Error("ingestion listener died", "error", err)
			cancel()
		}
	}()

	producer, err := infraFactory.KafkaProducer(ctx)
	if err != nil {
		logger.Error("failed to build kafka producer", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(manager, producer, api.Defaults{
		Lookback: cfg.SSE.DefaultLookback,
		Timeout:  cfg.SSE.DefaultTimeout,
	}, manager, ingest)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(handlers),
	}

	go func() {
		logger.Info("Server starting", "port", cfg.HTTP.Port, "app", cfg.App.Name, "version", cfg.App.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// The listener must stop fetching before the deferred manager stop and
	// factory close tear down what it depends on.
	<-ingestDone

	logger.Info("Server exiting")
}

func logLevel(cfg *config.Config) slog.Level {
	if cfg == nil {
		return slog.LevelInfo
	}
	switch strings.ToLower(cfg.Log.Level) {
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

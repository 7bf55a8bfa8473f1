package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/observability"
	"transcode-orchestrator/pkg/reconciler"
	"transcode-orchestrator/pkg/transcode"
	"transcode-orchestrator/pkg/worker"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	lease := reconciler.NewRedisLease(rdb, "transcode:reconciler:lease", cfg.ReconcileInterval)

	transcoder := transcode.NewHTTPClient(cfg.TranscoderURL, cfg.TranscoderToken)

	observability.StartMetricsServer(":9092")

	observer := worker.NewObserver(store, transcoder, mqClient, cfg, logger)
	rec := reconciler.New(store, observer, mqClient, lease, cfg, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()

	slog.Info("reconciler started", "interval", cfg.ReconcileInterval, "staleness_threshold", cfg.StalenessThreshold)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping reconciler...")
	cancel()
	<-done
	slog.Info("reconciler stopped gracefully")
}

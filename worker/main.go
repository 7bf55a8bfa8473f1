package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/observability"
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

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	transcoder := transcode.NewHTTPClient(cfg.TranscoderURL, cfg.TranscoderToken)

	observability.StartMetricsServer(":9091")

	observer := worker.NewObserver(store, transcoder, mqClient, cfg, logger)
	pool := worker.NewPool(mqClient, observer, cfg.WorkerConcurrency, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool failed", "error", err)
			cancel()
		}
	}()

	slog.Info("worker pool started. waiting for tasks...", "concurrency", cfg.WorkerConcurrency)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		slog.Info("shutdown signal received, stopping workers...")
		cancel()
		<-done
	case <-done:
	}
	slog.Info("all workers stopped gracefully")
}

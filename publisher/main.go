package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/observability"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	logger.Info("outbox publisher started")
	for {
		select {
		case <-sigChan:
			logger.Info("outbox publisher stopping")
			return
		case <-ticker.C:
			drainOutbox(ctx, store, mqClient, logger)
		}
	}
}

// drainOutbox publishes pending outbox tasks and deletes each only after
// its publish succeeded. A crash in between redelivers the task, which the
// workers tolerate.
func drainOutbox(ctx context.Context, store *database.PostgresStore, mqClient *mq.Client, logger *slog.Logger) {
	tasks, err := store.FetchOutbox(ctx, 100)
	if err != nil {
		logger.Error("failed to fetch outbox tasks", "error", err)
		return
	}
	for _, t := range tasks {
		var pubErr error
		switch mq.Action(t.Action) {
		case mq.ActionSubmit:
			pubErr = mqClient.EnqueueSubmit(ctx, t.JobID, 0, 0)
		case mq.ActionCheck:
			pubErr = mqClient.EnqueueCheck(ctx, t.JobID, 0, 0)
		default:
			logger.Error("unknown outbox action, deleting", "action", t.Action, "job_id", t.JobID)
			store.DeleteOutbox(ctx, t.ID)
			continue
		}
		if pubErr != nil {
			logger.Error("failed to publish outbox task", "error", pubErr, "job_id", t.JobID)
			continue
		}
		if err := store.DeleteOutbox(ctx, t.ID); err != nil {
			logger.Error("failed to delete outbox task after publish", "error", err, "outbox_id", t.ID)
			continue
		}
		logger.Info("published task from outbox", "job_id", t.JobID, "action", t.Action)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"transcode-orchestrator/pkg/mq"
)

// Pool is a bounded set of concurrent task handlers pulling from the queue.
// Serialization per job comes from the store's conditional writes, never
// from queue partitioning: the queue may legitimately redeliver.
type Pool struct {
	mq          *mq.Client
	observer    *Observer
	concurrency int
	logger      *slog.Logger
}

func NewPool(mqClient *mq.Client, observer *Observer, concurrency int, logger *slog.Logger) *Pool {
	return &Pool{
		mq:          mqClient,
		observer:    observer,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run consumes both task queues until the context is cancelled, then waits
// for in-flight handlers to finish.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, action := range mq.Actions {
		deliveries, err := p.mq.ConsumeTasks(action)
		if err != nil {
			return err
		}
		p.logger.Info("consuming tasks", "action", action, "concurrency", p.concurrency)
		for i := 0; i < p.concurrency; i++ {
			wg.Add(1)
			go func(deliveries <-chan amqp.Delivery) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case msg, ok := <-deliveries:
						if !ok {
							return
						}
						p.handleDelivery(ctx, msg)
					}
				}
			}(deliveries)
		}
	}

	wg.Wait()
	return nil
}

func (p *Pool) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var t mq.Task
	if err := json.Unmarshal(msg.Body, &t); err != nil {
		p.logger.Error("undecodable task, dead-lettering", "error", err)
		msg.Nack(false, false) // no requeue: goes to the DLX
		return
	}

	if err := p.observer.HandleTask(ctx, t); err != nil {
		// Store unavailable; redeliver and let another handler retry.
		p.logger.Error("task handling failed, requeueing", "job_id", t.JobID, "action", t.Action, "error", err)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

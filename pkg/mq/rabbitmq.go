package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Action names what a dequeued task asks a worker to do with a job.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCheck  Action = "check"
)

// Task is the queue payload: a job id, an intended action, and the number
// of times this particular task has already been retried on the queue side
// (distinct from the job's attempt_count, which counts submit attempts).
type Task struct {
	JobID   string `json:"job_id"`
	Action  Action `json:"action"`
	Attempt int    `json:"attempt"`
}

const (
	TasksExchange   = "transcode.exchange"
	DelayExchange   = "transcode.delay.exchange"
	DLXExchange     = "transcode.dlx"
	DeadLetterQueue = "transcode.dead_letter.queue"
)

var Actions = []Action{ActionSubmit, ActionCheck}

// delayBuckets are the TTL queues available for deferred redelivery.
// A requested delay is rounded up to the nearest bucket.
var delayBuckets = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	if err := c.ch.ExchangeDeclare(TasksExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DelayExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	// Dead-letter queue for tasks rejected by workers
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// Main task queues (one per action)
	for _, action := range Actions {
		queueName := queueFor(action)
		_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, string(action), TasksExchange, false, nil); err != nil {
			return err
		}

		// Delay queues per (action, bucket). After the TTL expires the
		// message dead-letters back to the main exchange under the
		// action's routing key.
		for _, delay := range delayBuckets {
			delayQueue := fmt.Sprintf("transcode.delay.queue.%s.%ds", action, int(delay.Seconds()))
			_, err := c.ch.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    TasksExchange,
				"x-dead-letter-routing-key": string(action),
			})
			if err != nil {
				return err
			}
			if err := c.ch.QueueBind(delayQueue, delayRoutingKey(action, delay), DelayExchange, false, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

func queueFor(action Action) string {
	return fmt.Sprintf("transcode.queue.%s", action)
}

func delayRoutingKey(action Action, delay time.Duration) string {
	return fmt.Sprintf("delay.%s.%ds", action, int(delay.Seconds()))
}

// bucketFor rounds a requested delay up to the nearest declared TTL queue.
func bucketFor(delay time.Duration) time.Duration {
	for _, b := range delayBuckets {
		if delay <= b {
			return b
		}
	}
	return delayBuckets[len(delayBuckets)-1]
}

// EnqueueSubmit schedules a submit task for the job, optionally deferred.
func (c *Client) EnqueueSubmit(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	return c.publish(ctx, Task{JobID: jobID, Action: ActionSubmit, Attempt: attempt}, delay)
}

// EnqueueCheck schedules a check task for the job, optionally deferred.
func (c *Client) EnqueueCheck(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	return c.publish(ctx, Task{JobID: jobID, Action: ActionCheck, Attempt: attempt}, delay)
}

func (c *Client) publish(ctx context.Context, t Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	exchange, key := TasksExchange, string(t.Action)
	if delay > 0 {
		exchange, key = DelayExchange, delayRoutingKey(t.Action, bucketFor(delay))
	}
	return c.ch.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// ConsumeTasks opens a manually-acked delivery stream for the action's queue.
func (c *Client) ConsumeTasks(action Action) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(
		queueFor(action),
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}

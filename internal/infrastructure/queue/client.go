package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
)

// RedisOpt converts the shared Redis settings into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Client enqueues tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a Client for the given Redis settings.
func NewClient(cfg config.RedisConfig) *Client {
	return &Client{client: asynq.NewClient(RedisOpt(cfg))}
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueLoginCodeEmail schedules delivery of a login code. The task is
// dropped once the code has expired, since a late code is useless.
func (c *Client) EnqueueLoginCodeEmail(ctx context.Context, payload LoginCodeEmailPayload) error {
	return c.enqueue(ctx, TypeLoginCodeEmail, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Second),
		asynq.Deadline(payload.ExpiresAt),
	)
}

// EnqueuePurgeAccessAttempts runs the audit retention purge once.
func (c *Client) EnqueuePurgeAccessAttempts(ctx context.Context, retentionDays int) error {
	return c.enqueue(ctx, TypePurgeAccessAttempts, MaintenancePayload{RetentionDays: retentionDays},
		asynq.Queue(QueueLow), asynq.MaxRetry(2), asynq.Timeout(10*time.Minute))
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// NewTask builds a task with a JSON payload.
func NewTask(taskType string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(taskType, data, opts...), nil
}

// DecodePayload unmarshals a task payload into v.
func DecodePayload(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", t.Type(), err)
	}
	return nil
}

package scheduler

import (
	"context"
	"fmt"

	"callpipeline/internal/config"
	"callpipeline/pkg/apperr"

	"github.com/hibiken/asynq"
)

// Client enqueues on-demand sweeps for operators.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.SchedulerConfig, opt asynq.RedisConnOpt) *Client {
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	return &Client{client: asynq.NewClient(opt), queue: queue}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Trigger enqueues taskType now and returns the asynq task id.
func (c *Client) Trigger(ctx context.Context, taskType, actor string) (string, error) {
	if !knownTask(taskType) {
		return "", apperr.Validation(fmt.Sprintf("unknown maintenance task %q", taskType))
	}
	if c == nil || c.client == nil {
		return "", apperr.Internal("scheduler client not configured")
	}
	task, err := NewSweepTask(taskType, SweepPayload{TriggeredBy: actor})
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "enqueue maintenance task", err)
	}
	return info.ID, nil
}

// RedisOpt builds asynq connection options from the shared redis settings.
func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password}
}

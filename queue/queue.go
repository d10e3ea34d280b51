// Package queue implements the durable dispatch queue between the
// scheduler and the worker fleet.
//
// Ready tasks live in a Redis list. Dequeue moves a task onto a
// processing list (BRPOPLPUSH) where it stays until the dispatcher
// acks it, so a crash between dequeue and delivery cannot drop the
// envelope. Tasks with a not-before time, which is how delivery
// retries back off, wait in a sorted set scored by their due time and
// are promoted onto the ready list as they come due. The dispatcher
// drains the ready list and pushes each task to the worker over HTTP
// under a global rate limit.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// TaskQueue is the queue surface the dispatcher consumes. RedisQueue is
// the production implementation; tests substitute an in-memory fake.
type TaskQueue interface {
	Enqueue(ctx context.Context, env *core.TaskEnvelope) error

	// Dequeue returns the next due task plus an opaque receipt. The
	// task stays redelivery-protected until the receipt is acked.
	Dequeue(ctx context.Context, timeout time.Duration) (*core.TaskEnvelope, string, error)

	// Ack releases a dequeued task once its delivery has been resolved,
	// whether delivered, rescheduled, or dead-lettered.
	Ack(ctx context.Context, receipt string) error

	Depths(ctx context.Context) (ready int64, scheduled int64, err error)
}

// RedisQueue implements TaskQueue on Redis.
type RedisQueue struct {
	client *redis.Client
	config RedisQueueConfig
	logger core.Logger
}

// RedisQueueConfig configures the Redis queue.
type RedisQueueConfig struct {
	// ReadyKey is the list holding tasks due for immediate dispatch.
	// Default: "vpcp:queue:ready"
	ReadyKey string `json:"ready_key"`

	// ScheduledKey is the sorted set holding tasks waiting on a
	// not-before time. Default: "vpcp:queue:scheduled"
	ScheduledKey string `json:"scheduled_key"`

	// ProcessingKey is the list holding tasks between dequeue and ack.
	// Default: "vpcp:queue:processing"
	ProcessingKey string `json:"processing_key"`

	// PromoteBatch caps how many due tasks one promotion pass moves.
	// Default: 100
	PromoteBatch int `json:"promote_batch"`

	Logger core.Logger `json:"-"`
}

// DefaultRedisQueueConfig returns default configuration.
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{
		ReadyKey:      "vpcp:queue:ready",
		ScheduledKey:  "vpcp:queue:scheduled",
		ProcessingKey: "vpcp:queue:processing",
		PromoteBatch:  100,
	}
}

// NewRedisQueue creates a Redis-backed queue. The client should already
// be connected.
func NewRedisQueue(client *redis.Client, config *RedisQueueConfig) *RedisQueue {
	if config == nil {
		defaultConfig := DefaultRedisQueueConfig()
		config = &defaultConfig
	}
	if config.ReadyKey == "" {
		config.ReadyKey = "vpcp:queue:ready"
	}
	if config.ScheduledKey == "" {
		config.ScheduledKey = "vpcp:queue:scheduled"
	}
	if config.ProcessingKey == "" {
		config.ProcessingKey = "vpcp:queue:processing"
	}
	if config.PromoteBatch <= 0 {
		config.PromoteBatch = 100
	}

	return &RedisQueue{
		client: client,
		config: *config,
		logger: core.ComponentLogger(config.Logger, "queue"),
	}
}

// Enqueue adds a task. Tasks whose NotBefore is in the future go to the
// scheduled set; everything else goes straight to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, env *core.TaskEnvelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if env.RequestID == "" {
		return fmt.Errorf("envelope request ID cannot be empty")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	if !env.NotBefore.IsZero() && env.NotBefore.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.config.ScheduledKey, &redis.Z{
			Score:  float64(env.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to schedule task: %w", err)
		}
		q.logger.Debug("Task scheduled", map[string]interface{}{
			"request_id": env.RequestID,
			"attempt_no": env.AttemptNo,
			"not_before": env.NotBefore.Format(time.RFC3339),
		})
		return nil
	}

	if err := q.client.LPush(ctx, q.config.ReadyKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Debug("Task enqueued", map[string]interface{}{
		"request_id": env.RequestID,
		"attempt_no": env.AttemptNo,
	})
	return nil
}

// Dequeue promotes due scheduled tasks and then blocks on the ready
// list. The dequeued task is parked on the processing list until the
// returned receipt is acked, so a crash mid-delivery loses nothing.
// Returns nil, "", nil when the timeout expires with nothing due.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.TaskEnvelope, string, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("Promotion pass failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	raw, err := q.client.BRPopLPush(ctx, q.config.ReadyKey, q.config.ProcessingKey, timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("failed to dequeue task: %w", err)
	}

	var env core.TaskEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A poison entry would otherwise be recovered forever.
		q.client.LRem(ctx, q.config.ProcessingKey, 1, raw)
		return nil, "", fmt.Errorf("failed to deserialize envelope: %w", err)
	}
	return &env, raw, nil
}

// Ack removes a dequeued task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, receipt string) error {
	if receipt == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.config.ProcessingKey, 1, receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// RecoverProcessing moves tasks parked on the processing list back to
// the ready list. Entries sit there when a dispatcher died between
// dequeue and ack; with one dispatcher per queue, anything present at
// startup is orphaned. Returns how many tasks were recovered.
func (q *RedisQueue) RecoverProcessing(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.config.ProcessingKey, q.config.ReadyKey).Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight tasks: %w", err)
		}
		moved++
	}
}

// promoteDue moves scheduled tasks whose due time has passed onto the
// ready list. ZRem before LPUSH so a racing promoter cannot deliver the
// same member twice.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.config.ScheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(q.config.PromoteBatch),
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.config.ScheduledKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.config.ReadyKey, member).Err(); err != nil {
			// Put it back rather than lose the task.
			q.client.ZAdd(ctx, q.config.ScheduledKey, &redis.Z{Score: 0, Member: member})
			return err
		}
	}
	return nil
}

// Depths reports the ready list length and scheduled set cardinality.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	ready, err := q.client.LLen(ctx, q.config.ReadyKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read ready depth: %w", err)
	}
	scheduled, err := q.client.ZCard(ctx, q.config.ScheduledKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read scheduled depth: %w", err)
	}
	return ready, scheduled, nil
}

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/logging"
)

// blockTimeout bounds one BLMOVE so Dequeue notices cancellation.
const blockTimeout = 2 * time.Second

// RedisQueue keeps pending tasks in one list and moves each dequeued task
// into a processing list until it is acknowledged.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
}

// NewRedisQueue creates a queue under the given key prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "pricewatch:tasks"
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.client.LPush(ctx, q.pending, raw).Err()
}

// Dequeue skips and drops entries that do not decode as tasks.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, err
		}

		ack := func(ctx context.Context) error {
			return q.client.LRem(ctx, q.processing, 1, raw).Err()
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			logging.L(ctx).Warn("dropping malformed task", zap.Error(err))
			if err := ack(ctx); err != nil {
				return nil, nil, err
			}
			continue
		}
		return &t, ack, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Recover moves tasks left in the processing list by a crashed worker back
// to the pending list. Run it before any worker of this queue starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

var _ Queue = (*RedisQueue)(nil)

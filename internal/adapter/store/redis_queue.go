package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"surveygate/internal/domain/entity"
)

const insightQueueKey = "queue:insights"

// RedisQueue is the background task queue: producers LPUSH one JSON message
// per trigger, workers BRPOP them off the other end.
type RedisQueue struct {
	client  *redis.Client
	pollTTL time.Duration
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, pollTTL: 5 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg entity.QueueMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	if err := q.client.LPush(ctx, insightQueueKey, raw).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to the poll interval and returns (nil, nil) when no
// message arrived, so callers can loop on a cancellable context.
func (q *RedisQueue) Dequeue(ctx context.Context) (*entity.QueueMessage, error) {
	res, err := q.client.BRPop(ctx, q.pollTTL, insightQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, nil
	}

	var msg entity.QueueMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("queue dequeue: malformed message: %w", err)
	}
	return &msg, nil
}

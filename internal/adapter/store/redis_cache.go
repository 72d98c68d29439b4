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

// RedisCache memoizes successful agent outputs under their normalized cache
// key. Entries expire via TTL only; there is no manual invalidation.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*entity.AgentOutput, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var out entity.AgentOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// A corrupt entry behaves as a miss; the pipeline reruns.
		return nil, false, nil
	}
	return &out, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, out *entity.AgentOutput, ttl time.Duration) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// RedisGuard enforces at-most-one-in-flight per key with SET NX plus a TTL
// safety valve so a crashed holder cannot wedge a survey forever.
type RedisGuard struct {
	client *redis.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard acquire: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Held(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("guard check: %w", err)
	}
	return n > 0, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("guard release: %w", err)
	}
	return nil
}

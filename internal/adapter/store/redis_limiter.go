package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"surveygate/internal/domain/repository"
)

// checkScript increments the window counter only if the increment stays
// within the limit. Running as a script keeps check-and-increment atomic per
// key: two concurrent calls can never both slip past the limit.
var checkScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter is a fixed-window counter store shared by all gateway
// instances.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (r *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (repository.RateDecision, error) {
	res, err := checkScript.Run(ctx, r.client, []string{key}, limit, window.Milliseconds()).Slice()
	if err != nil {
		return repository.RateDecision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return repository.RateDecision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	allowed := toInt64(res[0]) == 1
	count := toInt64(res[1])
	ttlMs := toInt64(res[2])

	dec := repository.RateDecision{Allowed: allowed}
	if remaining := int64(limit) - count; remaining > 0 {
		dec.Remaining = int(remaining)
	}
	if !allowed {
		retryAfter := time.Duration(ttlMs) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = window
		}
		dec.RetryAfter = retryAfter
	}
	return dec, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a fixed window with an atomic INCR per attempt. The
// key expiry is set on the first hit of the window, so the counter state lives
// in Redis and is enforced across all concurrent instances of the service.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	windows map[string]Window
}

func NewRedisLimiter(redisURL string, windows map[string]Window) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLimiter{
		client:  client,
		prefix:  "ratelimit:",
		windows: windows,
	}, nil
}

// NewRedisLimiterWithClient builds a limiter from an existing client.
func NewRedisLimiterWithClient(client *redis.Client, windows map[string]Window) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		prefix:  "ratelimit:",
		windows: windows,
	}
}

func (l *RedisLimiter) key(identity, class string) string {
	return l.prefix + class + ":" + identity
}

func (l *RedisLimiter) Allow(ctx context.Context, identity, class string) (Decision, error) {
	window, ok := l.windows[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", class)
	}

	key := l.key(identity, class)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("increment window counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window.Duration).Err(); err != nil {
			return Decision{}, fmt.Errorf("set window expiry: %w", err)
		}
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read window ttl: %w", err)
	}
	if ttl < 0 {
		ttl = window.Duration
	}

	remaining := window.Capacity - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= window.Capacity,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

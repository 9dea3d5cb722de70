package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on top of a go-redis client.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
	}
}

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	const op = "cache.Redis.Get"

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%s: %w", op, ErrCacheMiss)
		}

		return "", fmt.Errorf("%s: failed to get key: %w", op, err)
	}

	return val, nil
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	const op = "cache.Redis.Set"

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%s: failed to set key: %w", op, err)
	}

	return nil
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	const op = "cache.Redis.Delete"

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s: failed to delete key: %w", op, err)
	}

	return nil
}

func (c *Redis) Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	const op = "cache.Redis.Increment"

	var incr *redis.IntCmd

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttlIfNew > 0 {
			pipe.ExpireNX(ctx, key, ttlIfNew)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: failed to increment key: %w", op, err)
	}

	return incr.Val(), nil
}

func (c *Redis) Ping(ctx context.Context) error {
	const op = "cache.Redis.Ping"

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%s: ping failed: %w", op, err)
	}

	return nil
}

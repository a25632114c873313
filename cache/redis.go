package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// RedisCache implements Cache on a shared Redis instance. Values are
// BSON-encoded; keys carry a prefix so unrelated keyspaces can share the
// same Redis database.
type RedisCache[T any] struct {
	client  *redis.Client
	options *Options
	prefix  string
}

var _ Cache[any] = (*RedisCache[any])(nil)

// NewRedisCache creates a RedisCache on an existing client. The client is
// owned by the caller and is not closed with the cache.
func NewRedisCache[T any](client *redis.Client, prefix string, options *Options) (*RedisCache[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if options == nil {
		options = DefaultOptions()
	}
	if prefix == "" {
		prefix = "collabedit:doc:"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache[T]{
		client:  client,
		options: options,
		prefix:  prefix,
	}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var result T

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return result, ErrCacheMiss
		}
		return result, fmt.Errorf("failed to get from Redis: %w", err)
	}

	if err := bson.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return result, nil
}

// Set stores a value in Redis with the given TTL.
func (c *RedisCache[T]) Set(ctx context.Context, key string, data T, ttl time.Duration) error {
	bytes, err := bson.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	if err := c.client.Set(ctx, c.prefix+key, bytes, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in Redis: %w", err)
	}
	return nil
}

// Delete removes a value from Redis.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

// Clear removes every key under the cache's prefix.
func (c *RedisCache[T]) Clear(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("failed to list keys in Redis: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys from Redis: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (c *RedisCache[T]) Close() error {
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the go-redis client and implements Cache, fronting the
// admin bridge's topic-list query; the stats and health endpoints read the
// Store directly and are not cached. It is
// advisory only: callers must tolerate a miss or error by falling back to
// the Store.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis-backed Cache from the given URL. The
// URL format follows the redis:// convention, e.g. "redis://localhost:6379"
// or "redis://:password@host:6379/0".
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close releases the underlying Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping verifies connectivity to Redis.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get retrieves a string value by key. Returns redis.Nil error if the key
// does not exist; callers should check with errors.Is(err, redis.Nil).
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value in Redis with the given TTL in milliseconds. The
// value is JSON-encoded if it is not already a string or []byte.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttlMS int) error {
	var data interface{}
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("redis: marshal value: %w", err)
		}
		data = encoded
	}

	if err := r.client.Set(ctx, key, data, time.Duration(ttlMS)*time.Millisecond).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key from Redis. The admin bridge uses it to invalidate
// the topic-list key on create-topic and delete-topic, and a topic's stats
// key on delete-topic. Publish, subscribe and unsubscribe do not touch the
// cache.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %q: %w", key, err)
	}
	return nil
}

// TopicsKey is the cache key for the list-topics admin query.
const TopicsKey = "broker:topics"

// TopicStatsKey builds the cache key for a single topic's stats.
func TopicStatsKey(name string) string {
	return "broker:topic:" + name + ":stats"
}

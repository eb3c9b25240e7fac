package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricealert/internal/logger"
	"pricealert/internal/tracing"
)

// NewRedisClient connects to addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// Redis is a Store backed by Redis. Values are JSON encoded and keys expire
// server-side after the configured TTL, so every instance sharing the server
// sees the same entries.
type Redis[V any] struct {
	client *redis.Client
	name   string
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis returns a Redis store whose keys are namespaced by prefix.
func NewRedis[V any](client *redis.Client, name, prefix string, ttl time.Duration, log *zap.Logger) *Redis[V] {
	return &Redis[V]{client: client, name: name, prefix: prefix, ttl: ttl, log: logger.OrNop(log)}
}

func (r *Redis[V]) key(k string) string { return r.prefix + k }

// Get returns the decoded value for key. Redis errors and undecodable values
// are logged and reported as a miss.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheMissesTotal.WithLabelValues(r.name).Inc()
		return zero, false
	}
	if err != nil {
		r.log.Warn("Redis cache read failed", zap.String("cache", r.name), zap.String("key", key), zap.Error(err))
		cacheMissesTotal.WithLabelValues(r.name).Inc()
		return zero, false
	}
	var out V
	if err := json.Unmarshal(val, &out); err != nil {
		r.log.Warn("Discarding undecodable cache entry", zap.String("cache", r.name), zap.String("key", key), zap.Error(err))
		cacheMissesTotal.WithLabelValues(r.name).Inc()
		return zero, false
	}
	cacheHitsTotal.WithLabelValues(r.name).Inc()
	return out, true
}

// Set stores value with the store's TTL. Failures are logged, not returned:
// a cache write never fails the operation that produced the value.
func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	b, err := json.Marshal(value)
	if err != nil {
		r.log.Warn("Failed to encode cache entry", zap.String("cache", r.name), zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.key(key), b, r.ttl).Err(); err != nil {
		r.log.Warn("Failed to store cache entry", zap.String("cache", r.name), zap.String("key", key), zap.Error(err))
	}
}

// Invalidate deletes key.
func (r *Redis[V]) Invalidate(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.log.Warn("Failed to invalidate cache key", zap.String("cache", r.name), zap.String("key", key), zap.Error(err))
	}
}

// InvalidatePrefix deletes every key in this store that starts with prefix
// and returns how many were removed.
func (r *Redis[V]) InvalidatePrefix(ctx context.Context, prefix string) int {
	ctx, span := tracing.Tracer().Start(ctx, "cache.InvalidatePrefix")
	defer span.End()

	keys, err := r.scanKeys(ctx, r.key(prefix))
	if err != nil {
		r.log.Error("Failed to get cache keys for invalidation",
			zap.String("cache", r.name),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return 0
	}

	invalidatedCount := 0
	for _, key := range keys {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.log.Warn("Failed to invalidate cache key",
				zap.String("cache", r.name),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		invalidatedCount++
	}

	r.log.Debug("Cache invalidation completed",
		zap.String("cache", r.name),
		zap.String("prefix", prefix),
		zap.Int("invalidated_keys", invalidatedCount),
	)
	return invalidatedCount
}

func (r *Redis[V]) scanKeys(ctx context.Context, match string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		found, next, err := r.client.Scan(ctx, cursor, match+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

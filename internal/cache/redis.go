// Package cache provides a Redis-backed hot cache of the latest candle per
// symbol. The cache is a convenience for downstream readers; it is never
// consulted for ingestion correctness (gap scanning always reads the store).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// LatestCache publishes and reads the most recent candle per symbol.
type LatestCache interface {
	SetLatest(ctx context.Context, candle models.Candle) error
	GetLatest(ctx context.Context, symbol string) (*models.Candle, error)
}

// RedisCache implements LatestCache on a Redis client.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache adapter. ttl bounds staleness when the
// streaming feed stops updating a symbol.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func latestKey(symbol string) string {
	return fmt.Sprintf("latest:%s", symbol)
}

// SetLatest stores the candle as JSON under latest:<symbol> with expiration.
func (r *RedisCache) SetLatest(ctx context.Context, candle models.Candle) error {
	data, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("failed to marshal candle: %w", err)
	}

	if err := r.client.Set(ctx, latestKey(candle.Symbol), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest candle: %w", err)
	}

	return nil
}

// GetLatest reads the cached candle for a symbol. Returns (nil, nil) when the
// key is missing or expired.
func (r *RedisCache) GetLatest(ctx context.Context, symbol string) (*models.Candle, error) {
	data, err := r.client.Get(ctx, latestKey(symbol)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest candle: %w", err)
	}

	var candle models.Candle
	if err := json.Unmarshal([]byte(data), &candle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candle: %w", err)
	}

	return &candle, nil
}

// Ping verifies connectivity to Redis.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

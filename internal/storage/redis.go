package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raine/product-gate/internal/vision"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "product-gate:annotation:"

	// DefaultAnnotationTTL is how long Redis keeps an annotation.
	DefaultAnnotationTTL = 7 * 24 * time.Hour
)

// RedisCache implements vision.Cache on Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ vision.Cache = (*RedisCache)(nil)

// NewRedisCache connects to addr and pings it.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = DefaultAnnotationTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func redisKey(imageHash string) string {
	return redisKeyPrefix + imageHash
}

// GetAnnotation returns nil, nil on a miss.
func (c *RedisCache) GetAnnotation(ctx context.Context, imageHash string) (*vision.AnnotationResult, error) {
	s, err := c.client.Get(ctx, redisKey(imageHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached annotation: %w", err)
	}

	var result vision.AnnotationResult
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached annotation: %w", err)
	}
	return &result, nil
}

func (c *RedisCache) SetAnnotation(ctx context.Context, imageHash string, result *vision.AnnotationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(imageHash), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached annotation: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

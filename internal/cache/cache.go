package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache holds the control plane's short-lived shared state: snapshots of
// asynchronous operations for status polling, and API rate-limit counters.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	PutOperation(ctx context.Context, snap OperationSnapshot, ttl time.Duration) error
	Operation(ctx context.Context, opID uuid.UUID) (*OperationSnapshot, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// OperationSnapshot is the cached view of an operation: enough to answer a
// status poll without reading the operations table.
type OperationSnapshot struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisCache implements Cache on go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) PutOperation(ctx context.Context, snap OperationSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding operation snapshot: %w", err)
	}
	return c.client.Set(ctx, OperationKey(snap.ID), data, ttl).Err()
}

func (c *RedisCache) Operation(ctx context.Context, opID uuid.UUID) (*OperationSnapshot, bool, error) {
	data, err := c.client.Get(ctx, OperationKey(opID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap OperationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decoding operation snapshot: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

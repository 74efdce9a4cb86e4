package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tillpoint/possync/internal/models"
)

const idempotencyKeyFormat = "store:%s:idempotency:%s"

// RedisIdempotencyCache is the fast lookup layer over the sync history log.
// Entries expire after the TTL; expiry only affects lookup speed, never
// correctness, because the durable log stays the source of truth.
type RedisIdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyCache(client *redis.Client, ttl time.Duration) *RedisIdempotencyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisIdempotencyCache{client: client, ttl: ttl}
}

func cacheKey(storeID uuid.UUID, key string) string {
	return fmt.Sprintf(idempotencyKeyFormat, storeID, key)
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error) {
	jsonData, err := c.client.Get(ctx, cacheKey(storeID, key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}

	var record models.SyncRecord
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency entry: %w", err)
	}
	return &record, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, record *models.SyncRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	key := cacheKey(record.StoreID, record.IdempotencyKey)
	if err := c.client.Set(ctx, key, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency entry: %w", err)
	}
	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/possync/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisCache backs webhook delivery de-duplication. When disabled every
// delivery is treated as first-seen, so a missing cache never blocks
// processing.
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// deliveryKey generates the dedup key for a webhook delivery id
func deliveryKey(deliveryID string) string {
	return fmt.Sprintf("webhook:delivery:%s", deliveryID)
}

// MarkDeliverySeen records a webhook delivery id and reports whether this is
// its first sighting within the TTL window. Cache failures count as
// first-seen; reprocessing a delivery is safe, dropping one is not.
// Safe on a nil receiver, which callers get when cache init was skipped.
func (c *RedisCache) MarkDeliverySeen(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	if c == nil || !c.enabled || deliveryID == "" {
		return true, nil
	}

	first, err := c.client.SetNX(ctx, deliveryKey(deliveryID), 1, ttl).Result()
	if err != nil {
		return true, errors.Wrap(err, "failed to mark webhook delivery in Redis")
	}
	return first, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if c == nil || !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}

package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

const keyPrefix = "aquaflow:status:"

// Cache stores computed machine statuses with an expiry. A nil client
// disables caching: reads miss and writes are dropped.
type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Dial connects to addr and returns a disabled cache when Redis is unreachable.
func Dial(ctx context.Context, addr string) (*Cache, error) {
	if addr == "" {
		return New(nil), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   2,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return New(nil), fmt.Errorf("redis unavailable, status cache disabled: %w", err)
	}
	return New(client), nil
}

func (c *Cache) Enabled() bool { return c.client != nil }

func (c *Cache) GetStatus(ctx context.Context, key string) (domain.MachineStatus, error) {
	if c.client == nil {
		return "", ports.ErrCacheMiss
	}
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ports.ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return domain.MachineStatus(val), nil
}

func (c *Cache) SetStatus(ctx context.Context, key string, st domain.MachineStatus, ttl time.Duration) error {
	if c.client == nil {
		return nil
	}
	return c.client.Set(ctx, keyPrefix+key, string(st), ttl).Err()
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ ports.StatusCache = (*Cache)(nil)

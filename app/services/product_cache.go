package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oryxmarket/oryx/models"
	"github.com/redis/go-redis/v9"
)

// ProductCache is a read-through Redis cache for catalog rows. Inventory
// counters are never served from the cache: reservations always hit the
// database, the cache only saves catalog lookups on the browse path.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProductCache{client: client, ttl: ttl}
}

func (c *ProductCache) key(id uint) string {
	return fmt.Sprintf("product:%d", id)
}

// Get returns the cached product or nil on miss or disabled cache
func (c *ProductCache) Get(ctx context.Context, id uint) (*models.Product, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Set stores the product under its id
func (c *ProductCache) Set(ctx context.Context, p *models.Product) error {
	if c == nil || c.client == nil || p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(p.ID), raw, c.ttl).Err()
}

// Invalidate drops the cached row after an inventory mutation
func (c *ProductCache) Invalidate(ctx context.Context, ids ...uint) error {
	if c == nil || c.client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.key(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

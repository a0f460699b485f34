package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StockCache is a read-through cache for product records. Every ledger
// mutation invalidates the product's key, so a warm entry always reflects the
// last committed counters.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStockCache constructs StockCache.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StockCache{client: client, ttl: ttl}
}

func (c *StockCache) key(productID int64) string {
	return fmt.Sprintf("ledger:product:%d", productID)
}

// Get returns the cached product, reporting whether the key was warm.
func (c *StockCache) Get(ctx context.Context, productID int64) (Product, bool) {
	if c == nil || c.client == nil {
		return Product{}, false
	}
	data, err := c.client.Get(ctx, c.key(productID)).Bytes()
	if err != nil {
		return Product{}, false
	}
	var product Product
	if err := json.Unmarshal(data, &product); err != nil {
		return Product{}, false
	}
	return product, true
}

// Set stores the product snapshot.
func (c *StockCache) Set(ctx context.Context, product Product) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(product.ID), data, c.ttl).Err()
}

// Invalidate drops the product's key.
func (c *StockCache) Invalidate(ctx context.Context, productID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(productID)).Err()
}

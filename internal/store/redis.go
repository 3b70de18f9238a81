package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quoterd/quoterd/internal/orders"
)

// RedisOption defines connection options for the open-order cache.
type RedisOption struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default "quoterd"
}

// OrderCache mirrors the open-order table into Redis so a restart can
// reconcile resting orders against the venue.
type OrderCache struct {
	rdb    *redis.Client
	prefix string
}

// NewOrderCache connects and pings the cache.
func NewOrderCache(ctx context.Context, opt RedisOption) (*OrderCache, error) {
	prefix := opt.KeyPrefix
	if prefix == "" {
		prefix = "quoterd"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return &OrderCache{rdb: rdb, prefix: prefix}, nil
}

func (c *OrderCache) key() string { return c.prefix + ":orders" }

// SaveOrder writes one order into the open-order hash.
func (c *OrderCache) SaveOrder(ctx context.Context, o orders.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.ClientOrderID, err)
	}
	if err := c.rdb.HSet(ctx, c.key(), o.ClientOrderID, data).Err(); err != nil {
		return fmt.Errorf("cache order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// RemoveOrder drops one order from the hash.
func (c *OrderCache) RemoveOrder(ctx context.Context, clientOrderID string) error {
	if err := c.rdb.HDel(ctx, c.key(), clientOrderID).Err(); err != nil {
		return fmt.Errorf("uncache order %s: %w", clientOrderID, err)
	}
	return nil
}

// LoadOrders reads back every cached order. Entries that fail to decode
// are skipped rather than aborting recovery.
func (c *OrderCache) LoadOrders(ctx context.Context) ([]orders.Order, error) {
	raw, err := c.rdb.HGetAll(ctx, c.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("load cached orders: %w", err)
	}
	out := make([]orders.Order, 0, len(raw))
	for _, data := range raw {
		var o orders.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Clear drops the whole open-order hash.
func (c *OrderCache) Clear(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key()).Err()
}

// Close releases the client.
func (c *OrderCache) Close() error {
	return c.rdb.Close()
}

package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/redis/go-redis/v9"
)

// StatusCache caches orders that reached a terminal status. Non-terminal
// orders are never cached because a worker may move them at any moment.
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// Get reports a cache miss as (zero, false, nil).
func (c *StatusCache) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

func (c *StatusCache) Put(ctx context.Context, o orders.Order) error {
	if !o.Status.Terminal() {
		return nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, o.ID), b, c.ttl).Err()
}

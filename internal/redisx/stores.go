package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

// Redis is an accelerator only: every failure is logged and treated as a miss,
// the database stays the source of truth.

type statusEntry struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StatusCache struct{ R *redis.Client }

func (c StatusCache) GetOrderStatus(ctx context.Context, orderID string) (string, bool) {
	s, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).Warn("status_cache_get_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return "", false
	}
	var e statusEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil || e.Status == "" {
		return "", false
	}
	return e.Status, true
}

func (c StatusCache) SetOrderStatus(ctx context.Context, orderID, status string) {
	b, _ := json.Marshal(statusEntry{Status: status, UpdatedAt: time.Now().UTC()})
	if err := c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err(); err != nil {
		logging.FromContext(ctx).Warn("status_cache_set_failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

type Dedup struct{ R *redis.Client }

func (d Dedup) Seen(ctx context.Context, scope, id string) bool {
	ok, err := Exists(ctx, d.R, fmt.Sprintf(KeyDedup, scope, id))
	if err != nil {
		logging.FromContext(ctx).Warn("dedup_check_failed", zap.String("scope", scope), zap.Error(err))
		return false
	}
	return ok
}

func (d Dedup) Mark(ctx context.Context, scope, id string) {
	if err := d.R.Set(ctx, fmt.Sprintf(KeyDedup, scope, id), "1", TTLDedup).Err(); err != nil {
		logging.FromContext(ctx).Warn("dedup_mark_failed", zap.String("scope", scope), zap.Error(err))
	}
}

// Idempotency maps a buyer's Idempotency-Key to the order it produced.
type Idempotency struct{ R *redis.Client }

func (i Idempotency) Lookup(ctx context.Context, buyerID, key string) (string, bool) {
	id, err := i.R.Get(ctx, fmt.Sprintf(KeyIdemCheckout, buyerID, key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).Warn("idempotency_lookup_failed", zap.Error(err))
		}
		return "", false
	}
	return id, id != ""
}

func (i Idempotency) Remember(ctx context.Context, buyerID, key, orderID string) {
	if err := i.R.Set(ctx, fmt.Sprintf(KeyIdemCheckout, buyerID, key), orderID, TTLIdempotency).Err(); err != nil {
		logging.FromContext(ctx).Warn("idempotency_store_failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

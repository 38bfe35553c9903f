package redisx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An unreachable Redis must behave like an empty cache.
func TestStores_DegradeToMissWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	ctx := context.Background()

	cache := StatusCache{R: rdb}
	cache.SetOrderStatus(ctx, "o1", "PAID")
	_, ok := cache.GetOrderStatus(ctx, "o1")
	assert.False(t, ok)

	d := Dedup{R: rdb}
	d.Mark(ctx, "reconcile", "1:approved")
	assert.False(t, d.Seen(ctx, "reconcile", "1:approved"))

	idem := Idempotency{R: rdb}
	idem.Remember(ctx, "b1", "k", "o1")
	_, ok = idem.Lookup(ctx, "b1", "k")
	assert.False(t, ok)
}

func liveClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := New(addr, os.Getenv("REDIS_TEST_PASSWORD"), 0)
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStores_Live(t *testing.T) {
	rdb := liveClient(t)
	ctx := context.Background()
	order := "o-" + uuid.NewString()

	cache := StatusCache{R: rdb}
	_, ok := cache.GetOrderStatus(ctx, order)
	assert.False(t, ok)
	cache.SetOrderStatus(ctx, order, "SHIPPED")
	st, ok := cache.GetOrderStatus(ctx, order)
	require.True(t, ok)
	assert.Equal(t, "SHIPPED", st)
	ttl, err := rdb.TTL(ctx, "order_status:"+order).Result()
	require.NoError(t, err)
	assert.InDelta(t, TTLStatusCache.Seconds(), ttl.Seconds(), 5)

	d := Dedup{R: rdb}
	id := uuid.NewString() + ":approved"
	assert.False(t, d.Seen(ctx, "reconcile", id))
	d.Mark(ctx, "reconcile", id)
	assert.True(t, d.Seen(ctx, "reconcile", id))

	idem := Idempotency{R: rdb}
	key := uuid.NewString()
	idem.Remember(ctx, "b1", key, order)
	got, ok := idem.Lookup(ctx, "b1", key)
	require.True(t, ok)
	assert.Equal(t, order, got)
	_, ok = idem.Lookup(ctx, "b2", key)
	assert.False(t, ok, "keys are scoped per buyer")
}

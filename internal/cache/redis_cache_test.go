package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
)

func getRedisCache(t *testing.T) *RedisSaleCache {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisSaleCache(client)
	if err := c.Ping(context.Background()); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return c
}

func TestNoopSaleCacheAlwaysMisses(t *testing.T) {
	var c SaleCache = NoopSaleCache{}
	require.NoError(t, c.Set(context.Background(), &domain.Sale{ID: "s"}, time.Minute))

	sale, ok, err := c.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, sale)
}

func TestRedisSaleCacheRoundTripAndDelete(t *testing.T) {
	c := getRedisCache(t)
	ctx := context.Background()
	sale := &domain.Sale{
		ID:         "sale_cache_test",
		InvoiceNo:  "INV-001001",
		GrandTotal: decimal.RequireFromString("66.00"),
		Status:     domain.SaleStatusCompleted,
	}

	require.NoError(t, c.Set(ctx, sale, time.Minute))
	got, ok, err := c.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "INV-001001", got.InvoiceNo)
	assert.True(t, got.GrandTotal.Equal(sale.GrandTotal))

	require.NoError(t, c.Delete(ctx, sale.ID))
	_, ok, err = c.Get(ctx, sale.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

package cache

import (
	"context"
	"testing"
	"time"

	"storefront-svc/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestProductKey(t *testing.T) {
	assert.Equal(t, "product:42", productKey(42))
}

func TestProductCache_NilClientIsMiss(t *testing.T) {
	c := NewProductCache(nil, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	c.Set(ctx, &models.Product{ID: 1, Title: "Widget", Price: decimal.NewFromInt(10)})
	c.Invalidate(ctx, 1, 2)

	product, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	assert.Nil(t, product)
}

func TestProductCache_NilReceiver(t *testing.T) {
	var c *ProductCache

	assert.NotPanics(t, func() {
		c.Invalidate(context.Background(), 1)
		_, ok := c.Get(context.Background(), 1)
		assert.False(t, ok)
	})
}

func TestProductCache_UnreachableRedisDegradesToMiss(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	c := NewProductCache(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	c.Set(ctx, &models.Product{ID: 7, Title: "Lamp"})
	c.Invalidate(ctx, 7)

	_, ok := c.Get(ctx, 7)
	assert.False(t, ok)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-svc/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", addr))
	return rdb, nil
}

// ProductCache is a read-through copy of product rows. It is never consulted
// when deciding stock; a nil client turns every call into a miss or no-op.
type ProductCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProductCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ProductCache {
	return &ProductCache{rdb: rdb, ttl: ttl, logger: logger}
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

func (c *ProductCache) Get(ctx context.Context, id int64) (*models.Product, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, productKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read product from cache", zap.Int64("product_id", id), zap.Error(err))
		}
		return nil, false
	}

	var product models.Product
	if err := json.Unmarshal(data, &product); err != nil {
		c.logger.Warn("Discarding malformed cached product", zap.Int64("product_id", id), zap.Error(err))
		return nil, false
	}
	return &product, true
}

func (c *ProductCache) Set(ctx context.Context, product *models.Product) {
	if c == nil || c.rdb == nil {
		return
	}

	data, err := json.Marshal(product)
	if err != nil {
		c.logger.Warn("Failed to encode product for cache", zap.Int64("product_id", product.ID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, productKey(product.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache product", zap.Int64("product_id", product.ID), zap.Error(err))
	}
}

// Invalidate drops the cached copies of the given products.
func (c *ProductCache) Invalidate(ctx context.Context, ids ...int64) {
	if c == nil || c.rdb == nil || len(ids) == 0 {
		return
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = productKey(id)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Failed to invalidate cached products", zap.Int64s("product_ids", ids), zap.Error(err))
	}
}

// Package store provides a small JSON cache and the pub/sub bus the
// notification sink publishes job results on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pawbridge/bridge-backend/internal/metrics"
	"github.com/pawbridge/bridge-backend/pkg/kv"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache key prefixes
const (
	KeyBlacklist = "bridge:blacklist"
)

// Cache is a TTL JSON cache over the kv substrate.
type Cache struct {
	store   kv.Store
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(store kv.Store, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{store: store, logger: logger, metrics: metrics}
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(ctx, key)
			}
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// TTL reports how long a cached entry has left; ErrCacheMiss when absent.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.store.TTL(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, ErrCacheMiss
		}
		return 0, err
	}
	return ttl, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowbridge/flowbridge-backend/internal/metrics"
	"github.com/flowbridge/flowbridge-backend/pkg/kv"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache key prefixes
const (
	KeyPoolReserves = "flb:pool:reserves"
	KeyPreview      = "flb:preview"
	KeyBalances     = "flb:balances"
)

// Cache is a read-path cache for pool and account snapshots, backed by
// Redis when configured and by the in-memory kv store otherwise.
type Cache struct {
	kvStore kv.Store

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(cfg kv.Config, logger *zap.SugaredLogger, m *metrics.Metrics) (*Cache, error) {
	if cfg.Logger == nil && logger != nil {
		cfg.Logger = func(msg string, pairs ...string) {
			args := make([]interface{}, len(pairs))
			for i, p := range pairs {
				args[i] = p
			}
			logger.Warnw(msg, args...)
		}
	}
	kvStore, err := kv.NewStoreFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache backend: %w", err)
	}
	return &Cache{
		kvStore: kvStore,
		logger:  logger,
		metrics: m,
	}, nil
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.kvStore.Get(ctx, key)
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
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
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
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
		}
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.kvStore.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

// Specialized cache methods

func (c *Cache) GetPoolReserves(ctx context.Context, dest interface{}) error {
	return c.Get(ctx, KeyPoolReserves, dest)
}

func (c *Cache) SetPoolReserves(ctx context.Context, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, KeyPoolReserves, value, ttl)
}

func (c *Cache) GetPreview(ctx context.Context, bridged, paired string, dest interface{}) error {
	return c.Get(ctx, previewKey(bridged, paired), dest)
}

func (c *Cache) SetPreview(ctx context.Context, bridged, paired string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, previewKey(bridged, paired), value, ttl)
}

// InvalidateAccount drops the cached balance snapshot after a mutation.
func (c *Cache) InvalidateAccount(ctx context.Context, account string) error {
	return c.Delete(ctx, balancesKey(account))
}

func (c *Cache) GetBalances(ctx context.Context, account string, dest interface{}) error {
	return c.Get(ctx, balancesKey(account), dest)
}

func (c *Cache) SetBalances(ctx context.Context, account string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, balancesKey(account), value, ttl)
}

func previewKey(bridged, paired string) string {
	return fmt.Sprintf("%s:%s:%s", KeyPreview, bridged, paired)
}

func balancesKey(account string) string {
	return fmt.Sprintf("%s:%s", KeyBalances, account)
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.kvStore.Ping(ctx)
}

func (c *Cache) Close() error {
	return c.kvStore.Close()
}

package kv

import (
	"context"
	"fmt"
	"time"
)

// Backend selects the storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// LogFunc receives factory diagnostics as message plus key/value pairs.
type LogFunc func(msg string, kv ...string)

// Config holds the settings needed to construct a Store.
type Config struct {
	Backend Backend

	// RedisURL is required for the redis backend,
	// e.g. redis://localhost:6379/0.
	RedisURL string

	// JanitorInterval controls expired-key cleanup in the memory backend.
	JanitorInterval time.Duration

	// StartupProbeTimeout bounds the initial Redis health check.
	StartupProbeTimeout time.Duration

	Logger LogFunc
}

// StoreFactory constructs a Store for a backend.
type StoreFactory func(cfg Config) (Store, error)

var factories = make(map[Backend]StoreFactory)

// RegisterBackend registers a store factory. Called from backend init funcs.
func RegisterBackend(backend Backend, factory StoreFactory) {
	factories[backend] = factory
}

// NewStoreFromConfig builds a Store for the configured backend. An unhealthy
// Redis at startup degrades to the in-memory backend instead of failing boot.
func NewStoreFromConfig(cfg Config) (Store, error) {
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = time.Second
	}

	memoryFactory, ok := factories[BackendMemory]
	if !ok {
		return nil, fmt.Errorf("memory backend not registered")
	}

	switch cfg.Backend {
	case BackendMemory:
		return memoryFactory(cfg)

	case BackendRedis:
		redisFactory, ok := factories[BackendRedis]
		if !ok {
			return nil, fmt.Errorf("redis backend not registered")
		}
		store, err := redisFactory(cfg)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupProbeTimeout)
			defer cancel()
			if pingErr := store.Ping(ctx); pingErr == nil {
				return store, nil
			} else {
				err = pingErr
				store.Close()
			}
		}
		if cfg.Logger != nil {
			cfg.Logger("Redis unavailable at startup; using in-memory store", "error", err.Error())
		}
		return memoryFactory(cfg)

	default:
		return nil, fmt.Errorf("unsupported backend: %s (supported: %s, %s)", cfg.Backend, BackendMemory, BackendRedis)
	}
}

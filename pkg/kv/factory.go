package kv

import (
	"context"
	"fmt"
	"time"
)

// Backend represents the storage backend type
type Backend string

const (
	// BackendMemory uses the in-memory store
	BackendMemory Backend = "memory"
	// BackendRedis uses Redis as the backend
	BackendRedis Backend = "redis"
)

// LogFunc receives a message followed by alternating key/value pairs.
type LogFunc func(msg string, kv ...string)

// Config holds configuration for creating a Store instance
type Config struct {
	// Backend specifies which storage backend to use
	Backend Backend

	// RedisURL is the connection string for Redis (required when Backend is "redis")
	// Format: redis://localhost:6379/0 or redis://:password@localhost:6379/1
	RedisURL string

	// JanitorInterval controls how often the in-memory store cleans up expired keys.
	// Default: 30 seconds.
	JanitorInterval time.Duration

	// StartupProbeTimeout controls how long to wait for Redis at startup.
	// Default: 1 second.
	StartupProbeTimeout time.Duration

	// Logger is used for startup diagnostics. If nil, no logging occurs.
	Logger LogFunc
}

// StoreFactory defines a function that creates a Store instance
type StoreFactory func(cfg Config) (Store, error)

// factories holds registered store factories
var factories = make(map[Backend]StoreFactory)

// RegisterBackend registers a store factory for a given backend
func RegisterBackend(backend Backend, factory StoreFactory) {
	factories[backend] = factory
}

// NewStoreFromConfig creates a new Store instance based on the provided configuration
func NewStoreFromConfig(cfg Config) (Store, error) {
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = 1 * time.Second
	}

	factory, exists := factories[cfg.Backend]
	if !exists {
		return nil, fmt.Errorf("unsupported backend: %s (supported: %s, %s)",
			cfg.Backend, BackendMemory, BackendRedis)
	}

	store, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Backend == BackendRedis {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupProbeTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("redis health check failed at startup: %w", err)
		}
		if cfg.Logger != nil {
			cfg.Logger("Redis healthy at startup")
		}
	}

	return store, nil
}

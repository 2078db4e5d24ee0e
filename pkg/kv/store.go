package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key, field, or member is not found
var ErrNotFound = errors.New("not found")

// ErrBackendUnavailable is returned when the backend storage is unavailable
var ErrBackendUnavailable = errors.New("backend unavailable")

// ZMember is a sorted-set member together with its score.
type ZMember struct {
	Score  float64
	Member []byte
}

// Store defines the interface for a Redis-like key-value store.
//
// Sorted sets are the substrate for time-ordered record sets and for
// delayed-job scheduling; SetNX is the substrate for named locks and
// job-id deduplication.
type Store interface {
	// String operations
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SetString(ctx context.Context, key string, value string, ttl ...time.Duration) error
	GetString(ctx context.Context, key string) (string, error)

	// Key operations
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hash operations
	HSet(ctx context.Context, key string, field string, value []byte) error
	HGet(ctx context.Context, key string, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// Sorted-set operations. Ranges are inclusive; use math.Inf for
	// unbounded ends. A count <= 0 means "no limit".
	ZAdd(ctx context.Context, key string, score float64, member []byte) (int64, error)
	ZRem(ctx context.Context, key string, members ...[]byte) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]ZMember, error)
	ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]ZMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key string, member []byte) (float64, bool, error)

	// List operations (append-only inspection lists)
	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Cleanup
	Close() error
}

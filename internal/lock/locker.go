// Package lock provides named mutexes on top of the kv substrate.
//
// A lock is a SetNX key with a TTL; acquisition retries with jittered
// constant backoff and surfaces ErrContention when exhausted so callers
// (the job queue) can treat the failure as retryable.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pawbridge/bridge-backend/pkg/kv"
	"github.com/sethvargo/go-retry"
)

// ErrContention is returned when a lock could not be acquired within the
// configured number of attempts.
var ErrContention = errors.New("lock contention")

const (
	// DefaultTTL bounds how long a crashed holder can block other writers.
	DefaultTTL = time.Second

	defaultAttempts = 10
	retryBase       = 200 * time.Millisecond
	retryJitter     = 200 * time.Millisecond
)

// Locker hands out named locks backed by a shared store.
type Locker struct {
	store    kv.Store
	ttl      time.Duration
	attempts uint64
}

// Lock is a held named lock. Release it with Unlock.
type Lock struct {
	store kv.Store
	key   string
	token string
}

// NewLocker creates a Locker with the default TTL and retry policy.
func NewLocker(store kv.Store) *Locker {
	return &Locker{store: store, ttl: DefaultTTL, attempts: defaultAttempts}
}

// NewLockerWithTTL creates a Locker with a custom TTL (1s-30s is sane).
func NewLockerWithTTL(store kv.Store, ttl time.Duration) *Locker {
	return &Locker{store: store, ttl: ttl, attempts: defaultAttempts}
}

// Acquire takes the named lock, retrying up to the attempt budget with
// 200 ms +/- 200 ms between tries.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := "locks:" + name
	token := uuid.NewString()

	backoff := retry.WithJitter(retryJitter, retry.NewConstant(retryBase))
	backoff = retry.WithMaxRetries(l.attempts-1, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, key, []byte(token), l.ttl)
		if err != nil {
			return fmt.Errorf("lock %s: %w", name, err)
		}
		if !ok {
			return retry.RetryableError(ErrContention)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrContention) {
			return nil, fmt.Errorf("%w: %s", ErrContention, name)
		}
		return nil, err
	}

	return &Lock{store: l.store, key: key, token: token}, nil
}

// Unlock releases the lock if this holder still owns it. A lock whose TTL
// already expired belongs to nobody (or to a newer holder) and is left alone.
func (lk *Lock) Unlock(ctx context.Context) error {
	current, err := lk.store.Get(ctx, lk.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil // TTL expired; the critical section overran
		}
		return err
	}
	if string(current) != lk.token {
		return nil // reacquired by another holder after expiry
	}
	_, err = lk.store.Del(ctx, lk.key)
	return err
}

// WithLock runs fn while holding the named lock.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer lk.Unlock(ctx)
	return fn(ctx)
}

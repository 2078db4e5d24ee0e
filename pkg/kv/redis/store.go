package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed implementation of the kv.Store interface
type Store struct {
	client *redis.Client
}

// IsConnectionError checks if an error is a connection-related error
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// redis.Nil means "key not found", not a connection problem
	if errors.Is(err, redis.Nil) {
		return false
	}

	// Context cancellation by the caller is not a backend failure
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapConnectionError wraps connection errors with ErrBackendUnavailable
func (s *Store) wrapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return err
}

// New creates a new Redis-backed store
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Fallback for simple "host:port" address format
		u, parseErr := url.Parse("redis://" + redisURL)
		if parseErr != nil {
			return nil, err
		}

		db := 0
		if u.Path != "" && u.Path != "/" {
			if dbNum, dbErr := strconv.Atoi(u.Path[1:]); dbErr == nil {
				db = dbNum
			}
		}

		opt = &redis.Options{
			Addr: u.Host,
			DB:   db,
		}
		if u.User != nil {
			if password, hasPassword := u.User.Password(); hasPassword {
				opt.Password = password
			}
		}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Store{client: client}, nil
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiration time.Duration
	if len(ttl) > 0 {
		expiration = ttl[0]
	}
	return s.wrapConnectionError(s.client.Set(ctx, key, value, expiration).Err())
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.wrapConnectionError(err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, s.wrapConnectionError(err)
	}
	return []byte(result), nil
}

func (s *Store) SetString(ctx context.Context, key string, value string, ttl ...time.Duration) error {
	return s.Set(ctx, key, []byte(value), ttl...)
}

func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Key operations

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, s.wrapConnectionError(err)
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, s.wrapConnectionError(err)
	}

	// Redis returns -2 for non-existent keys
	if ttl == -2 {
		return 0, kv.ErrNotFound
	}
	return ttl, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	// SCAN rather than KEYS so large keyspaces do not block the server
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, s.wrapConnectionError(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Hash operations

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	return s.wrapConnectionError(s.client.HSet(ctx, key, field, value).Err())
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	result, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, s.wrapConnectionError(err)
	}
	return []byte(result), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.client.HDel(ctx, key, fields...).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.wrapConnectionError(err)
	}

	if len(result) == 0 {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, s.wrapConnectionError(err)
		}
		if exists == 0 {
			return nil, kv.ErrNotFound
		}
	}

	byteMap := make(map[string][]byte, len(result))
	for field, value := range result {
		byteMap[field] = []byte(value)
	}
	return byteMap, nil
}

// Sorted-set operations

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member []byte) (int64, error) {
	n, err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) ZRem(ctx context.Context, key string, members ...[]byte) (int64, error) {
	interfaces := make([]interface{}, len(members))
	for i, member := range members {
		interfaces[i] = member
	}
	n, err := s.client.ZRem(ctx, key, interfaces...).Result()
	return n, s.wrapConnectionError(err)
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func (s *Store) zRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64, rev bool) ([]kv.ZMember, error) {
	opt := &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
	}
	if count > 0 {
		opt.Count = count
	} else {
		opt.Count = -1
	}

	var (
		zs  []redis.Z
		err error
	)
	if rev {
		zs, err = s.client.ZRevRangeByScoreWithScores(ctx, key, opt).Result()
	} else {
		zs, err = s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	}
	if err != nil {
		return nil, s.wrapConnectionError(err)
	}

	members := make([]kv.ZMember, len(zs))
	for i, z := range zs {
		str, _ := z.Member.(string)
		members[i] = kv.ZMember{Score: z.Score, Member: []byte(str)}
	}
	return members, nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ZMember, error) {
	return s.zRangeByScore(ctx, key, min, max, offset, count, false)
}

func (s *Store) ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ZMember, error) {
	return s.zRangeByScore(ctx, key, min, max, offset, count, true)
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) ZScore(ctx context.Context, key string, member []byte) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, key, string(member)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, s.wrapConnectionError(err)
	}
	return score, true, nil
}

// List operations

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	interfaces := make([]interface{}, len(values))
	for i, value := range values {
		interfaces[i] = value
	}
	n, err := s.client.RPush(ctx, key, interfaces...).Result()
	return n, s.wrapConnectionError(err)
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	result, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, s.wrapConnectionError(err)
	}

	if len(result) == 0 {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, s.wrapConnectionError(err)
		}
		if exists == 0 {
			return nil, kv.ErrNotFound
		}
	}

	values := make([][]byte, len(result))
	for i, value := range result {
		values[i] = []byte(value)
	}
	return values, nil
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.wrapConnectionError(s.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

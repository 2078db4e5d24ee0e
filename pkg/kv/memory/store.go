package memory

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu          sync.Mutex
	strings     map[string][]byte
	hashes      map[string]map[string][]byte
	zsets       map[string]map[string]float64
	lists       map[string][][]byte
	expirations map[string]time.Time

	janitorInterval time.Duration
	janitorStop     chan struct{}
	janitorDone     chan struct{}
}

// New creates a new in-memory store with optional janitor for TTL cleanup
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		strings:         make(map[string][]byte),
		hashes:          make(map[string]map[string][]byte),
		zsets:           make(map[string]map[string]float64),
		lists:           make(map[string][][]byte),
		expirations:     make(map[string]time.Time),
		janitorInterval: janitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}

	return s
}

// janitor runs background expiration cleanup
func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, expiry := range s.expirations {
				if now.After(expiry) {
					s.deleteKeyLocked(key)
				}
			}
			s.mu.Unlock()
		case <-s.janitorStop:
			return
		}
	}
}

// expireIfDueLocked lazily removes an expired key; reports whether it was evicted.
func (s *Store) expireIfDueLocked(key string) bool {
	if expiry, exists := s.expirations[key]; exists && time.Now().After(expiry) {
		s.deleteKeyLocked(key)
		return true
	}
	return false
}

// deleteKeyLocked removes a key from all data structures (must hold lock)
func (s *Store) deleteKeyLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.lists, key)
	delete(s.expirations, key)
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	return false
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKeyLocked(key)
	s.strings[key] = value

	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	}

	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDueLocked(key)
	if s.existsLocked(key) {
		return false, nil
	}

	s.strings[key] = value
	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return nil, kv.ErrNotFound
	}

	value, exists := s.strings[key]
	if !exists {
		return nil, kv.ErrNotFound
	}
	return value, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if s.existsLocked(key) {
			deleted++
		}
		s.deleteKeyLocked(key)
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int64
	for _, key := range keys {
		if s.expireIfDueLocked(key) {
			continue
		}
		if s.existsLocked(key) {
			exists++
		}
	}
	return exists, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) || !s.existsLocked(key) {
		return false, nil
	}

	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	} else {
		delete(s.expirations, key)
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) || !s.existsLocked(key) {
		return 0, kv.ErrNotFound
	}

	expiry, hasExpiry := s.expirations[key]
	if !hasExpiry {
		return -1, nil // key exists but has no expiration
	}

	remaining := time.Until(expiry)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	collect := func(key string) {
		if s.expireIfDueLocked(key) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.strings {
		collect(key)
	}
	for key := range s.hashes {
		collect(key)
	}
	for key := range s.zsets {
		collect(key)
	}
	for key := range s.lists {
		collect(key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Hash operations

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDueLocked(key)
	if s.hashes[key] == nil {
		s.deleteKeyLocked(key) // clear other data types
		s.hashes[key] = make(map[string][]byte)
	}
	s.hashes[key][field] = value
	return nil
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return nil, kv.ErrNotFound
	}

	hash, exists := s.hashes[key]
	if !exists {
		return nil, kv.ErrNotFound
	}
	value, fieldExists := hash[field]
	if !fieldExists {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return 0, nil
	}

	hash, exists := s.hashes[key]
	if !exists {
		return 0, nil
	}

	var deleted int64
	for _, field := range fields {
		if _, ok := hash[field]; ok {
			delete(hash, field)
			deleted++
		}
	}
	if len(hash) == 0 {
		delete(s.hashes, key)
	}
	return deleted, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return nil, kv.ErrNotFound
	}

	hash, exists := s.hashes[key]
	if !exists {
		return nil, kv.ErrNotFound
	}

	result := make(map[string][]byte, len(hash))
	for field, value := range hash {
		result[field] = value
	}
	return result, nil
}

// Sorted-set operations

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDueLocked(key)
	if s.zsets[key] == nil {
		s.deleteKeyLocked(key) // clear other data types
		s.zsets[key] = make(map[string]float64)
	}

	_, existed := s.zsets[key][string(member)]
	s.zsets[key][string(member)] = score
	if existed {
		return 0, nil
	}
	return 1, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return 0, nil
	}

	set, exists := s.zsets[key]
	if !exists {
		return 0, nil
	}

	var removed int64
	for _, member := range members {
		if _, ok := set[string(member)]; ok {
			delete(set, string(member))
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.zsets, key)
	}
	return removed, nil
}

// rangeByScoreLocked returns members with min <= score <= max, ascending by
// score and then lexicographically within a score bucket so iteration is
// deterministic.
func (s *Store) rangeByScoreLocked(key string, min, max float64) []kv.ZMember {
	set, exists := s.zsets[key]
	if !exists {
		return nil
	}

	members := make([]kv.ZMember, 0, len(set))
	for member, score := range set {
		if score < min || score > max {
			continue
		}
		members = append(members, kv.ZMember{Score: score, Member: []byte(member)})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return bytes.Compare(members[i].Member, members[j].Member) < 0
	})
	return members
}

func sliceRange(members []kv.ZMember, offset, count int64) []kv.ZMember {
	if offset >= int64(len(members)) {
		return []kv.ZMember{}
	}
	members = members[offset:]
	if count > 0 && count < int64(len(members)) {
		members = members[:count]
	}
	return members
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return []kv.ZMember{}, nil
	}
	return sliceRange(s.rangeByScoreLocked(key, min, max), offset, count), nil
}

func (s *Store) ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return []kv.ZMember{}, nil
	}

	asc := s.rangeByScoreLocked(key, min, max)
	desc := make([]kv.ZMember, len(asc))
	for i, m := range asc {
		desc[len(asc)-1-i] = m
	}
	return sliceRange(desc, offset, count), nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return 0, nil
	}
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZScore(ctx context.Context, key string, member []byte) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return 0, false, nil
	}

	set, exists := s.zsets[key]
	if !exists {
		return 0, false, nil
	}
	score, ok := set[string(member)]
	return score, ok, nil
}

// List operations

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDueLocked(key)
	if s.lists[key] == nil {
		s.deleteKeyLocked(key) // clear other data types
		s.lists[key] = make([][]byte, 0, len(values))
	}
	s.lists[key] = append(s.lists[key], values...)
	return int64(len(s.lists[key])), nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireIfDueLocked(key) {
		return nil, kv.ErrNotFound
	}

	list, exists := s.lists[key]
	if !exists {
		return nil, kv.ErrNotFound
	}

	listLen := int64(len(list))
	if start < 0 {
		start = listLen + start
	}
	if stop < 0 {
		stop = listLen + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= listLen {
		stop = listLen - 1
	}
	if start > stop || start >= listLen {
		return [][]byte{}, nil
	}

	result := make([][]byte, stop-start+1)
	copy(result, list[start:stop+1])
	return result, nil
}

// Ping always returns nil for the in-memory store (always available)
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close stops the background janitor and cleans up resources
func (s *Store) Close() error {
	if s.janitorInterval > 0 {
		close(s.janitorStop)
		<-s.janitorDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings = make(map[string][]byte)
	s.hashes = make(map[string]map[string][]byte)
	s.zsets = make(map[string]map[string]float64)
	s.lists = make(map[string][][]byte)
	s.expirations = make(map[string]time.Time)

	return nil
}

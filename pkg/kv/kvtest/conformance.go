// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"SetNX", testSetNX},
		{"SetNXExpiry", testSetNXExpiry},
		{"DelExists", testDelExists},
		{"ExpireTTL", testExpireTTL},
		{"Hash", testHash},
		{"ZSetAddScore", testZSetAddScore},
		{"ZSetRangeByScore", testZSetRangeByScore},
		{"ZSetRevRange", testZSetRevRange},
		{"ZSetRem", testZSetRem},
		{"List", testList},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "conf:string", []byte("hello world")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get(ctx, "conf:string")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Get returned %q, want %q", got, "hello world")
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "conf:missing")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get of missing key returned %v, want ErrNotFound", err)
	}
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "conf:nx", []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = store.SetNX(ctx, "conf:nx", []byte("second"), 0)
	if err != nil || ok {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", ok, err)
	}

	got, err := store.Get(ctx, "conf:nx")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("SetNX overwrote value: got %q", got)
	}
}

func testSetNXExpiry(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if ok, err := store.SetNX(ctx, "conf:nx:ttl", []byte("v"), 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	time.Sleep(80 * time.Millisecond)
	if ok, err := store.SetNX(ctx, "conf:nx:ttl", []byte("v2"), 0); err != nil || !ok {
		t.Fatalf("SetNX after expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func testDelExists(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "conf:del", []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	n, err := store.Exists(ctx, "conf:del", "conf:del:missing")
	if err != nil || n != 1 {
		t.Fatalf("Exists = (%d, %v), want (1, nil)", n, err)
	}
	n, err = store.Del(ctx, "conf:del")
	if err != nil || n != 1 {
		t.Fatalf("Del = (%d, %v), want (1, nil)", n, err)
	}
	if _, err := store.Get(ctx, "conf:del"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after Del returned %v, want ErrNotFound", err)
	}
}

func testExpireTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "conf:ttl", []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ok, err := store.Expire(ctx, "conf:ttl", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expire = (%v, %v), want (true, nil)", ok, err)
	}
	ttl, err := store.TTL(ctx, "conf:ttl")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("TTL = %v, want in (0, 1m]", ttl)
	}
	if _, err := store.TTL(ctx, "conf:ttl:missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("TTL of missing key returned %v, want ErrNotFound", err)
	}
}

func testHash(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.HSet(ctx, "conf:hash", "f1", []byte("v1")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := store.HSet(ctx, "conf:hash", "f2", []byte("v2")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	got, err := store.HGet(ctx, "conf:hash", "f1")
	if err != nil || string(got) != "v1" {
		t.Fatalf("HGet = (%q, %v), want (v1, nil)", got, err)
	}
	all, err := store.HGetAll(ctx, "conf:hash")
	if err != nil || len(all) != 2 {
		t.Fatalf("HGetAll = (%v, %v), want 2 fields", all, err)
	}
	if _, err := store.HGet(ctx, "conf:hash", "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("HGet of missing field returned %v, want ErrNotFound", err)
	}

	n, err := store.HDel(ctx, "conf:hash", "f1")
	if err != nil || n != 1 {
		t.Fatalf("HDel = (%d, %v), want (1, nil)", n, err)
	}
}

func testZSetAddScore(t *testing.T, store kv.Store) {
	ctx := context.Background()

	n, err := store.ZAdd(ctx, "conf:zset", 10, []byte("a"))
	if err != nil || n != 1 {
		t.Fatalf("ZAdd = (%d, %v), want (1, nil)", n, err)
	}
	// Re-adding the same member updates the score without growing the set
	n, err = store.ZAdd(ctx, "conf:zset", 20, []byte("a"))
	if err != nil || n != 0 {
		t.Fatalf("ZAdd of existing member = (%d, %v), want (0, nil)", n, err)
	}

	score, ok, err := store.ZScore(ctx, "conf:zset", []byte("a"))
	if err != nil || !ok || score != 20 {
		t.Fatalf("ZScore = (%v, %v, %v), want (20, true, nil)", score, ok, err)
	}
	card, err := store.ZCard(ctx, "conf:zset")
	if err != nil || card != 1 {
		t.Fatalf("ZCard = (%d, %v), want (1, nil)", card, err)
	}
}

func testZSetRangeByScore(t *testing.T, store kv.Store) {
	ctx := context.Background()

	for i, m := range []string{"a", "b", "c", "d"} {
		if _, err := store.ZAdd(ctx, "conf:zrange", float64(i*10), []byte(m)); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
	}

	members, err := store.ZRangeByScore(ctx, "conf:zrange", 10, 20, 0, 0)
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	if len(members) != 2 || string(members[0].Member) != "b" || string(members[1].Member) != "c" {
		t.Fatalf("ZRangeByScore returned %v, want [b c]", members)
	}

	members, err = store.ZRangeByScore(ctx, "conf:zrange", math.Inf(-1), math.Inf(1), 0, 2)
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	if len(members) != 2 || string(members[0].Member) != "a" {
		t.Fatalf("ZRangeByScore with count returned %v, want [a b]", members)
	}
}

func testZSetRevRange(t *testing.T, store kv.Store) {
	ctx := context.Background()

	for i, m := range []string{"old", "mid", "new"} {
		if _, err := store.ZAdd(ctx, "conf:zrev", float64(i), []byte(m)); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
	}

	members, err := store.ZRevRangeByScore(ctx, "conf:zrev", math.Inf(-1), math.Inf(1), 0, 0)
	if err != nil {
		t.Fatalf("ZRevRangeByScore failed: %v", err)
	}
	if len(members) != 3 || string(members[0].Member) != "new" || string(members[2].Member) != "old" {
		t.Fatalf("ZRevRangeByScore returned %v, want [new mid old]", members)
	}
}

func testZSetRem(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if _, err := store.ZAdd(ctx, "conf:zrem", 1, []byte("x")); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}
	n, err := store.ZRem(ctx, "conf:zrem", []byte("x"), []byte("missing"))
	if err != nil || n != 1 {
		t.Fatalf("ZRem = (%d, %v), want (1, nil)", n, err)
	}
	if _, ok, _ := store.ZScore(ctx, "conf:zrem", []byte("x")); ok {
		t.Fatal("ZScore found member after ZRem")
	}
}

func testList(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if _, err := store.RPush(ctx, "conf:list", []byte("a"), []byte("b"), []byte("c")); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	values, err := store.LRange(ctx, "conf:list", 0, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if len(values) != 3 || string(values[0]) != "a" || string(values[2]) != "c" {
		t.Fatalf("LRange returned %v, want [a b c]", values)
	}
	if _, err := store.LRange(ctx, "conf:list:missing", 0, -1); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("LRange of missing key returned %v, want ErrNotFound", err)
	}
}

func testPing(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

// Package kv provides a Redis-like key-value store abstraction with in-memory
// and Redis-backed implementations.
//
// The package defines a Store interface covering the operations the bridge
// needs: strings with TTL and SetNX, hashes, time-scored sorted sets, and
// append-only lists.
//
// Example usage:
//
//	cfg := Config{
//		Backend: "memory",
//		JanitorInterval: 30 * time.Second,
//	}
//	store, err := NewStoreFromConfig(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	ctx := context.Background()
//	err = store.Set(ctx, "key", []byte("value"), 10*time.Second)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := store.Get(ctx, "key")
//	if err != nil {
//		if errors.Is(err, ErrNotFound) {
//			log.Println("Key not found")
//		}
//	}
//
// The in-memory implementation backs tests and development runs with full TTL
// support and background expiration. The Redis adapter wraps go-redis/v9 for
// production use while maintaining the same interface.
package kv

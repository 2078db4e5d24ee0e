package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv"
	"github.com/pawbridge/bridge-backend/pkg/kv/kvtest"
)

func TestMemoryStoreConformance(t *testing.T) {
	kvtest.RunConformanceTests(t, func(t *testing.T) kv.Store {
		return New(0) // no janitor; expiration is checked lazily
	})
}

func TestJanitorEvictsExpiredKeys(t *testing.T) {
	store := New(10 * time.Millisecond)
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "ephemeral", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	store.mu.Lock()
	_, present := store.strings["ephemeral"]
	store.mu.Unlock()
	if present {
		t.Fatal("janitor did not evict expired key")
	}
}

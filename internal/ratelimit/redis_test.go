package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient connects to the redis named by REDIS_ADDR, skipping the test
// when none is available.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return rdb
}

func TestRedisStoreConsumeWindow(t *testing.T) {
	store := NewRedisStore(redisClient(t))
	defer store.Close()
	ctx := context.Background()
	key := keyPrefix + "it:" + t.Name()
	_ = store.Delete(ctx, key)

	for i := 0; i < 3; i++ {
		slot, err := store.Consume(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !slot.Allowed {
			t.Fatalf("consume %d should be allowed", i+1)
		}
		if slot.Remaining != 2-i {
			t.Fatalf("consume %d: remaining = %d, want %d", i+1, slot.Remaining, 2-i)
		}
	}

	slot, err := store.Consume(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if slot.Allowed {
		t.Fatal("4th consume should be denied")
	}
	if slot.ResetAfter <= 0 || slot.ResetAfter > time.Minute {
		t.Fatalf("reset-after out of range: %v", slot.ResetAfter)
	}

	if n, _ := store.Count(ctx, key); n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	if ttl, _ := store.TTL(ctx, key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl out of range: %v", ttl)
	}
	_ = store.Delete(ctx, key)
}

func TestRedisStoreWindowExpires(t *testing.T) {
	store := NewRedisStore(redisClient(t))
	defer store.Close()
	ctx := context.Background()
	key := keyPrefix + "it:" + t.Name()
	_ = store.Delete(ctx, key)

	slot, err := store.Consume(ctx, key, 1, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !slot.Allowed {
		t.Fatal("first consume should be allowed")
	}
	if slot, _ = store.Consume(ctx, key, 1, 100*time.Millisecond); slot.Allowed {
		t.Fatal("second consume should be denied")
	}

	time.Sleep(200 * time.Millisecond)

	if slot, _ = store.Consume(ctx, key, 1, 100*time.Millisecond); !slot.Allowed {
		t.Fatal("consume after expiry should be allowed")
	}
	_ = store.Delete(ctx, key)
}

func TestRedisStoreRefundFloor(t *testing.T) {
	store := NewRedisStore(redisClient(t))
	defer store.Close()
	ctx := context.Background()
	key := keyPrefix + "it:" + t.Name()
	_ = store.Delete(ctx, key)

	if err := store.Refund(ctx, key); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx, key); n != 0 {
		t.Fatalf("refund created a key: count = %d", n)
	}

	if _, err := store.Consume(ctx, key, 5, time.Minute); err != nil {
		t.Fatal(err)
	}
	_ = store.Refund(ctx, key)
	_ = store.Refund(ctx, key)
	if n, _ := store.Count(ctx, key); n != 0 {
		t.Fatalf("count after double refund = %d, want 0", n)
	}
	_ = store.Delete(ctx, key)
}

func TestRedisStoreFlushScopedToPrefix(t *testing.T) {
	rdb := redisClient(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	other := "ratefence:it:keep"
	if err := rdb.Set(ctx, other, "1", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	_, _ = store.Consume(ctx, keyPrefix+"it:a", 5, time.Minute)
	_, _ = store.Consume(ctx, keyPrefix+"it:b", 5, time.Minute)

	if err := store.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx, keyPrefix+"it:a"); n != 0 {
		t.Fatalf("flushed key survived: count = %d", n)
	}
	if v, err := rdb.Get(ctx, other).Result(); err != nil || v != "1" {
		t.Fatalf("unrelated key lost: %v %q", err, v)
	}

	_ = rdb.Del(ctx, other).Err()
	_ = store.Close()
}

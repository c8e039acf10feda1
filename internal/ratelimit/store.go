package ratelimit

import (
	"context"
	"time"
)

// Slot is the store's answer to a single consume attempt.
type Slot struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

// CounterStore is the atomic counter backend. Consume must execute as a
// single atomic operation store-side: two concurrent callers on the same key
// must never both be told the window had room when only one slot was left.
type CounterStore interface {
	// Consume creates the window on first use (count=1, TTL=window) or
	// increments the existing counter, unless count has already reached max,
	// in which case it must not increment.
	Consume(ctx context.Context, key string, max int, window time.Duration) (Slot, error)

	// Refund undoes one consumed slot. It never drops a counter below zero
	// and never creates or re-expires a window.
	Refund(ctx context.Context, key string) error

	// Count returns the current counter value, 0 when absent.
	Count(ctx context.Context, key string) (int64, error)

	// TTL returns the time left in the key's window, 0 when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes a single counter.
	Delete(ctx context.Context, key string) error

	// FlushAll removes every counter in the rate-limit namespace.
	FlushAll(ctx context.Context) error

	Close() error
}

package ratelimit

import (
	"sync"
	"time"
)

// storeBreaker stops hammering a dead counter store. After threshold
// consecutive failures every caller fails open immediately for openFor, then
// a single probe call is let through; its outcome decides whether the
// breaker closes again.
type storeBreaker struct {
	threshold int
	openFor   time.Duration

	mu       sync.Mutex
	fails    int
	open     bool
	openedAt time.Time
	probing  bool
	lastErr  error
}

func newStoreBreaker(threshold int, openFor time.Duration) *storeBreaker {
	return &storeBreaker{threshold: threshold, openFor: openFor}
}

func (b *storeBreaker) enabled() bool { return b.threshold > 0 }

// allow reports whether the store may be called right now.
func (b *storeBreaker) allow() bool {
	if !b.enabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

func (b *storeBreaker) success() {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fails = 0
	b.open = false
	b.probing = false
	b.lastErr = nil
}

func (b *storeBreaker) failure(err error) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = err
	if b.open {
		// Failed probe: stay open for another full interval.
		b.openedAt = time.Now()
		b.probing = false
		return
	}
	b.fails++
	if b.fails >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}

func (b *storeBreaker) lastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastErr == nil {
		return ""
	}
	return b.lastErr.Error()
}

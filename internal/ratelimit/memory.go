package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a process-local CounterStore. It enforces the same fixed
// window contract as RedisStore but only within one process, which makes it
// the boot fallback when redis is unreachable and the store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	m       map[string]*memEntry
	cleanup time.Duration
	stopCh  chan struct{}
}

var _ CounterStore = (*MemoryStore)(nil)

func NewMemoryStore(cleanupEvery time.Duration) *MemoryStore {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	ms := &MemoryStore{
		m:       make(map[string]*memEntry),
		cleanup: cleanupEvery,
		stopCh:  make(chan struct{}),
	}
	go ms.gcLoop()
	return ms
}

func (s *MemoryStore) gcLoop() {
	t := time.NewTicker(s.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			now := time.Now()
			for k, e := range s.m {
				if !now.Before(e.expiresAt) {
					delete(s.m, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) Consume(ctx context.Context, key string, max int, window time.Duration) (Slot, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[key]
	if e == nil || !now.Before(e.expiresAt) {
		if max <= 0 {
			return Slot{Allowed: false, ResetAfter: window}, nil
		}
		s.m[key] = &memEntry{count: 1, expiresAt: now.Add(window)}
		return Slot{Allowed: true, Remaining: max - 1, ResetAfter: window}, nil
	}

	if e.count < max {
		e.count++
		return Slot{Allowed: true, Remaining: max - e.count, ResetAfter: e.expiresAt.Sub(now)}, nil
	}
	return Slot{Allowed: false, ResetAfter: e.expiresAt.Sub(now)}, nil
}

func (s *MemoryStore) Refund(ctx context.Context, key string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[key]
	if e == nil || !now.Before(e.expiresAt) || e.count <= 0 {
		return nil
	}
	e.count--
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[key]
	if e == nil || !time.Now().Before(e.expiresAt) {
		return 0, nil
	}
	return int64(e.count), nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m[key]
	if e == nil {
		return 0, nil
	}
	rem := time.Until(e.expiresAt)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, key)
	return nil
}

func (s *MemoryStore) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[string]*memEntry)
	return nil
}

func (s *MemoryStore) Close() error {
	close(s.stopCh)
	return nil
}

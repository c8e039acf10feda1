package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"
)

// keyPrefix namespaces counters so they can coexist with other data in the
// same store and be flushed as a group.
const keyPrefix = "rate:"

// maxKeyLen bounds storage key size; keys can embed caller-controlled
// header or token values. Longer keys are replaced by a stable hash.
const maxKeyLen = 128

// Decision is what the caller acts on: allow or deny, plus the numbers
// needed to describe the window to the client.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Lease is the pending outcome of one consumed slot. When skip options are
// configured the caller must Settle it so the consumption can be reversed.
type Lease struct {
	Decision Decision

	key      string
	counted  bool
	failOpen bool
}

// FailedOpen reports whether the decision came from the fail-open path
// instead of the store.
func (l Lease) FailedOpen() bool { return l.failOpen }

type Config struct {
	// Window is the counting window. Required, > 0.
	Window time.Duration
	// Max is the number of operations allowed per window. 0 means deny
	// everything; negative is a configuration error.
	Max int

	// SkipSuccessful refunds the consumed slot when the guarded operation
	// succeeded. SkipFailed does the same for failures.
	SkipSuccessful bool
	SkipFailed     bool

	// StoreTimeout bounds each store call. Defaults to 500ms.
	StoreTimeout time.Duration

	// FailureThreshold consecutive store failures open a breaker for
	// OpenFor, during which requests fail open without calling the store.
	// Zero disables the breaker. OpenFor defaults to 10s.
	FailureThreshold int
	OpenFor          time.Duration
}

// Limiter applies a fixed window per key on top of a CounterStore. Store
// failures never propagate to callers: the request is allowed and the error
// is logged with the key that triggered the lookup.
type Limiter struct {
	store CounterStore
	cfg   Config
	log   *slog.Logger
	brk   *storeBreaker
}

func New(store CounterStore, cfg Config, log *slog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be > 0")
	}
	if cfg.Max < 0 {
		return nil, errors.New("max cannot be negative")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		store: store,
		cfg:   cfg,
		log:   log,
		brk:   newStoreBreaker(cfg.FailureThreshold, cfg.OpenFor),
	}, nil
}

// NeedsSettle reports whether leases from Consume must be settled with the
// guarded operation's outcome.
func (l *Limiter) NeedsSettle() bool { return l.cfg.SkipSuccessful || l.cfg.SkipFailed }

// Consume takes one slot for key, optimistically. Denied calls never
// increment the counter.
func (l *Limiter) Consume(ctx context.Context, key string) Lease {
	sk := StorageKey(key)

	// Always-deny instances produce a well-formed decision without a
	// store round trip.
	if l.cfg.Max == 0 {
		return Lease{Decision: l.denied(l.cfg.Window), key: sk}
	}

	if !l.brk.allow() {
		l.log.Warn("rate limit store bypassed, failing open",
			slog.String("key", sk),
			slog.String("error", l.brk.lastError()))
		return Lease{Decision: l.failOpenDecision(), key: sk, failOpen: true}
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	slot, err := l.store.Consume(cctx, sk, l.cfg.Max, l.cfg.Window)
	if err != nil {
		l.brk.failure(err)
		l.log.Error("rate limit store unavailable, failing open",
			slog.String("key", sk),
			slog.String("error", err.Error()))
		return Lease{Decision: l.failOpenDecision(), key: sk, failOpen: true}
	}
	l.brk.success()

	if !slot.Allowed {
		return Lease{Decision: l.denied(slot.ResetAfter), key: sk}
	}
	return Lease{
		Decision: Decision{
			Allowed:   true,
			Limit:     l.cfg.Max,
			Remaining: slot.Remaining,
			ResetAt:   time.Now().Add(slot.ResetAfter),
		},
		key:     sk,
		counted: true,
	}
}

// Allow is Consume for callers that never settle.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	return l.Consume(ctx, key).Decision
}

// Settle reverses the optimistic consume when the configured skip options
// say the outcome should not count toward the limit.
func (l *Limiter) Settle(ctx context.Context, lease Lease, success bool) {
	if !lease.counted {
		return
	}
	if success && !l.cfg.SkipSuccessful {
		return
	}
	if !success && !l.cfg.SkipFailed {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	if err := l.store.Refund(cctx, lease.key); err != nil {
		l.log.Error("rate limit refund failed",
			slog.String("key", lease.key),
			slog.String("error", err.Error()))
	}
}

func (l *Limiter) denied(resetAfter time.Duration) Decision {
	if resetAfter <= 0 {
		resetAfter = l.cfg.Window
	}
	return Decision{
		Allowed:    false,
		Limit:      l.cfg.Max,
		Remaining:  0,
		ResetAt:    time.Now().Add(resetAfter),
		RetryAfter: resetAfter,
	}
}

func (l *Limiter) failOpenDecision() Decision {
	remaining := l.cfg.Max - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Max,
		Remaining: remaining,
		ResetAt:   time.Now().Add(l.cfg.Window),
	}
}

// StorageKey maps a caller key to the namespaced key used in the store.
// Admin inspection must use the same mapping the limiter does.
func StorageKey(key string) string {
	if key == "" {
		key = "unknown"
	}
	if len(key) > maxKeyLen {
		h1, h2 := murmur3.Sum128([]byte(key))
		key = "h:" + strconv.FormatUint(h1, 16) + strconv.FormatUint(h2, 16)
	}
	return keyPrefix + key
}

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeLua runs the fixed window as one atomic unit: create the counter on
// first use, increment while below max, never increment once exhausted.
const consumeLua = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call("GET", key))
if count == nil then
  count = 0
end

local ttl_ms = redis.call("PTTL", key)

if count < max then
  count = redis.call("INCR", key)
  if count == 1 or ttl_ms < 0 then
    redis.call("PEXPIRE", key, window_ms)
    ttl_ms = window_ms
  end
  return {1, max - count, ttl_ms}
end

if ttl_ms < 0 then
  redis.call("PEXPIRE", key, window_ms)
  ttl_ms = window_ms
end
return {0, 0, ttl_ms}
`

// refundLua decrements without ever going below zero and without touching
// the window's expiry.
const refundLua = `
local count = tonumber(redis.call("GET", KEYS[1]))
if count == nil or count <= 0 then
  return 0
end
return redis.call("DECR", KEYS[1])
`

var errUnexpectedReply = errors.New("unexpected reply from counter store")

type RedisStore struct {
	rdb *redis.Client
}

var _ CounterStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Consume(ctx context.Context, key string, max int, window time.Duration) (Slot, error) {
	res, err := r.rdb.Eval(ctx, consumeLua, []string{key}, max, window.Milliseconds()).Result()
	if err != nil {
		return Slot{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Slot{}, errUnexpectedReply
	}
	remaining := toInt(arr[1])
	if remaining < 0 {
		remaining = 0
	}
	return Slot{
		Allowed:    toInt(arr[0]) == 1,
		Remaining:  int(remaining),
		ResetAfter: time.Duration(toInt(arr[2])) * time.Millisecond,
	}, nil
}

func (r *RedisStore) Refund(ctx context.Context, key string) error {
	return r.rdb.Eval(ctx, refundLua, []string{key}).Err()
}

func (r *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FlushAll walks the rate-limit namespace with SCAN so a redis shared with
// other applications is never wiped wholesale.
func (r *RedisStore) FlushAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisStore) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

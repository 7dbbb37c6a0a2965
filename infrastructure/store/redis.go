package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// casScript implements CompareAndSwap atomically: if the current value at
// KEYS[1] equals ARGV[1] (or the key is absent and ARGV[1] is the empty
// sentinel ARGV[3]), set it to ARGV[2] with TTL ARGV[4] (milliseconds, 0
// meaning no expiry) and return 1; otherwise return 0.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local matches = false
if current == false then
	matches = (ARGV[1] == ARGV[3])
else
	matches = (current == ARGV[1])
end
if not matches then
	return 0
end
if tonumber(ARGV[4]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[4])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

const casAbsentSentinel = "\x00__store_absent__\x00"

// RedisKV is the distributed KV backing the risk score manager, adaptive
// rate limiter, canary ledger, and worker idempotency keys across every
// safetygate and safetyworker instance.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing go-redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// NewRedisKVFromURL connects using a redis:// or rediss:// URL, as read
// from REDIS_URL.
func NewRedisKVFromURL(url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisKV{client: redis.NewClient(opts)}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisKV) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	oldArg := casAbsentSentinel
	if oldValue != nil {
		oldArg = string(oldValue)
	}
	res, err := casScript.Run(ctx, r.client, []string{key}, oldArg, string(newValue), casAbsentSentinel, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ KV = (*RedisKV)(nil)
var _ KV = (*InMemoryKV)(nil)
var _ KV = (*Degraded)(nil)

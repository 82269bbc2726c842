package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// incrScript increments the counter and sets its expiry only when the key is
// new or lost its TTL, so the window end stays fixed for the whole window.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// RedisStore shares counters between gateway instances.
type RedisStore struct {
	client *redis.Client
	clock  domain.Clock
}

func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, nil)
}

// NewRedisStoreWithClient wraps an existing client. The clock only converts
// TTLs into reset times; expiry itself is enforced by Redis.
func NewRedisStoreWithClient(client *redis.Client, clock domain.Clock) *RedisStore {
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: client, clock: clock}
}

func redisKey(identifier string, window domain.Window) string {
	return keyPrefix + identifier + ":" + string(window)
}

func (s *RedisStore) Get(ctx context.Context, identifier string, window domain.Window) (domain.Counter, error) {
	key := redisKey(identifier, window)

	var getCmd *redis.StringCmd
	var ttlCmd *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		getCmd = p.Get(ctx, key)
		ttlCmd = p.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Counter{}, fmt.Errorf("redis get %s: %w", key, err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return domain.Counter{}, nil
	}
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis get %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// Missing TTL is repaired by the next increment.
		return domain.Counter{}, nil
	}
	return domain.Counter{Count: count, ResetAt: s.clock().Add(ttl)}, nil
}

func (s *RedisStore) IncrementAndExpire(ctx context.Context, identifier string, window domain.Window, ttl time.Duration) (domain.Counter, error) {
	key := redisKey(identifier, window)
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	vals, err := incrScript.Run(ctx, s.client, []string{key}, ms).Int64Slice()
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return domain.Counter{}, fmt.Errorf("redis incr %s: unexpected reply %v", key, vals)
	}

	remaining := time.Duration(vals[1]) * time.Millisecond
	if remaining <= 0 {
		remaining = ttl
	}
	return domain.Counter{Count: vals[0], ResetAt: s.clock().Add(remaining)}, nil
}

func (s *RedisStore) Reset(ctx context.Context, identifier string, window domain.Window) error {
	return s.client.Del(ctx, redisKey(identifier, window)).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

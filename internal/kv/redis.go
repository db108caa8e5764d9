package kv

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore backs the Store contract with Redis, the required choice when
// more than one gateway instance shares rate-limit counters and the key cache.
type RedisStore struct {
	rc *redis.Client
}

func NewRedisStore(rc *redis.Client) *RedisStore { return &RedisStore{rc: rc} }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rc.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rc.Set(ctx, key, value, ttl).Err()
}

// Incr uses Redis INCR, which is atomic server-side; the TTL is attached only
// when the counter is first created so the window keeps its original expiry.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rc.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		_ = s.rc.Expire(ctx, key, ttl).Err()
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rc.Del(ctx, key).Err()
}

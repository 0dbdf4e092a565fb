package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
)

const (
	attemptKeyPrefix = "auth:attempts:"
	banKeyPrefix     = "auth:ban:"
)

// RedisAttemptStore implements the shared counter and ban-flag store on
// Redis. INCR is atomic, so concurrent requests from the same key observe
// a consistent increment-and-compare.
type RedisAttemptStore struct {
	client redis.UniversalClient
}

var _ ratelimit.AttemptStore = (*RedisAttemptStore)(nil)

// NewRedisAttemptStore constructs a Redis-backed attempt store.
func NewRedisAttemptStore(client redis.UniversalClient) *RedisAttemptStore {
	return &RedisAttemptStore{client: client}
}

// Incr increments the attempt counter and returns the post-increment count.
// The window TTL is applied on first increment only so the counter decays
// from the first failure, not the most recent one.
func (s *RedisAttemptStore) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	redisKey := attemptKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return int(incr.Val()), nil
}

// Count reads the current counter without mutating it.
func (s *RedisAttemptStore) Count(ctx context.Context, key string) (int, error) {
	n, err := s.client.Get(ctx, attemptKeyPrefix+key).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return n, nil
}

// Clear removes the attempt counter for the key.
func (s *RedisAttemptStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, attemptKeyPrefix+key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// Ban sets the ban flag with its own TTL, independent of the counter expiry.
func (s *RedisAttemptStore) Ban(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, banKeyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set ban: %w", err)
	}
	return nil
}

// Banned reports whether the key is currently banned and the remaining TTL.
func (s *RedisAttemptStore) Banned(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := s.client.TTL(ctx, banKeyPrefix+key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read ban: %w", err)
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// ClearBan lifts the ban for the key.
func (s *RedisAttemptStore) ClearBan(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, banKeyPrefix+key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("clear ban: %w", err)
	}
	return nil
}

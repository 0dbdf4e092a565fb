package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

const challengeKeyPrefix = "auth:challenge:"

// RedisChallengeStore keeps pending TOTP challenges in Redis. A consumed
// challenge is deleted, so a replayed code finds no active challenge.
type RedisChallengeStore struct {
	client redis.UniversalClient
}

var _ totp.ChallengeStore = (*RedisChallengeStore)(nil)

// NewRedisChallengeStore constructs a Redis-backed challenge store.
func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

// Put stores the challenge under the identity key with TTL.
func (s *RedisChallengeStore) Put(ctx context.Context, key string, challenge totp.Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, challengeKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("persist challenge: %w", err)
	}
	return nil
}

// Get loads the pending challenge; nil when none is active.
func (s *RedisChallengeStore) Get(ctx context.Context, key string) (*totp.Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var out totp.Challenge
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &out, nil
}

// Delete consumes the challenge.
func (s *RedisChallengeStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, challengeKeyPrefix+key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

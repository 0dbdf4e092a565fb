package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// AttemptStore is the shared counter and ban-flag keyspace consulted by the
// TOTP engine, the password-reset flow, and credential-stuffing detection.
// Implementations must provide atomic increment-and-compare semantics.
type AttemptStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
	Count(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
	Ban(ctx context.Context, key string, ttl time.Duration) error
	Banned(ctx context.Context, key string) (bool, time.Duration, error)
	ClearBan(ctx context.Context, key string) error
}

// Key builds the counter keyspace entry for a purpose and subject pair.
// Subject is an identity reference, a source address, or both joined.
func Key(purpose, subject string) string {
	return purpose + ":" + subject
}

// PairKey keys a counter by both source address and identity so a single
// source cannot exhaust another identity's budget from elsewhere.
func PairKey(purpose, source, subject string) string {
	return fmt.Sprintf("%s:%s:%s", purpose, source, subject)
}

// Limiter applies a fixed attempt budget with ban escalation on top of an
// AttemptStore.
type Limiter struct {
	store       AttemptStore
	maxAttempts int
	window      time.Duration
	banTTL      time.Duration
}

// NewLimiter builds a limiter; maxAttempts failures within window set a ban
// flag that outlives the counter by banTTL.
func NewLimiter(store AttemptStore, maxAttempts int, window, banTTL time.Duration) *Limiter {
	return &Limiter{store: store, maxAttempts: maxAttempts, window: window, banTTL: banTTL}
}

// Allowed reports whether the key may attempt, and the remaining ban TTL
// when it may not.
func (l *Limiter) Allowed(ctx context.Context, key string) (bool, time.Duration, error) {
	banned, ttl, err := l.store.Banned(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if banned {
		return false, ttl, nil
	}
	return true, 0, nil
}

// RecordFailure counts a failed attempt. Crossing the budget sets the ban
// flag and reports banned=true with the full ban TTL.
func (l *Limiter) RecordFailure(ctx context.Context, key string) (banned bool, ttl time.Duration, err error) {
	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return false, 0, err
	}
	if count >= l.maxAttempts {
		if err := l.store.Ban(ctx, key, l.banTTL); err != nil {
			return false, 0, err
		}
		return true, l.banTTL, nil
	}
	return false, 0, nil
}

// Reset clears the counter after a successful attempt. The ban flag, when
// set, deliberately survives the reset.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Clear(ctx, key)
}

// Lift removes both the counter and the ban flag, used on explicit logout.
func (l *Limiter) Lift(ctx context.Context, key string) error {
	if err := l.store.Clear(ctx, key); err != nil {
		return err
	}
	return l.store.ClearBan(ctx, key)
}

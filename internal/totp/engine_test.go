package totp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type memoryChallengeStore struct {
	challenges map[string]totp.Challenge
}

func newMemoryChallengeStore() *memoryChallengeStore {
	return &memoryChallengeStore{challenges: make(map[string]totp.Challenge)}
}

func (s *memoryChallengeStore) Put(ctx context.Context, key string, challenge totp.Challenge, ttl time.Duration) error {
	s.challenges[key] = challenge
	return nil
}

func (s *memoryChallengeStore) Get(ctx context.Context, key string) (*totp.Challenge, error) {
	challenge, ok := s.challenges[key]
	if !ok {
		return nil, nil
	}
	return &challenge, nil
}

func (s *memoryChallengeStore) Delete(ctx context.Context, key string) error {
	delete(s.challenges, key)
	return nil
}

type memoryAttemptStore struct {
	counts map[string]int
	bans   map[string]time.Duration
}

func newMemoryAttemptStore() *memoryAttemptStore {
	return &memoryAttemptStore{counts: make(map[string]int), bans: make(map[string]time.Duration)}
}

func (s *memoryAttemptStore) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	s.counts[key]++
	return s.counts[key], nil
}

func (s *memoryAttemptStore) Count(ctx context.Context, key string) (int, error) {
	return s.counts[key], nil
}

func (s *memoryAttemptStore) Clear(ctx context.Context, key string) error {
	delete(s.counts, key)
	return nil
}

func (s *memoryAttemptStore) Ban(ctx context.Context, key string, ttl time.Duration) error {
	s.bans[key] = ttl
	return nil
}

func (s *memoryAttemptStore) Banned(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, ok := s.bans[key]
	return ok, ttl, nil
}

func (s *memoryAttemptStore) ClearBan(ctx context.Context, key string) error {
	delete(s.bans, key)
	return nil
}

type captureMailer struct {
	lastCode  string
	sentCount int
}

func (m *captureMailer) SendTOTPCode(ctx context.Context, identity domain.Identity, code string, validFor time.Duration) error {
	m.lastCode = code
	m.sentCount++
	return nil
}

func (m *captureMailer) SendPasswordReset(ctx context.Context, identity domain.Identity, resetToken string, validFor time.Duration) error {
	return nil
}

func newTestEngine(t *testing.T, maxAttempts int) (*totp.Engine, *captureMailer, *memoryChallengeStore, domain.Identity) {
	t.Helper()

	sealed, err := totp.EncryptSecret(testKey, "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	store := newMemoryChallengeStore()
	limiter := ratelimit.NewLimiter(newMemoryAttemptStore(), maxAttempts, 15*time.Minute, 15*time.Minute)
	sender := &captureMailer{}
	engine := totp.NewEngine(store, limiter, sender, testKey, totp.Options{
		Digits:       6,
		Period:       30 * time.Second,
		ChallengeTTL: 5 * time.Minute,
	}, zap.NewNop())

	identity := domain.Identity{
		ID:                  42,
		Username:            "jdoe",
		Email:               "jdoe@example.com",
		MFAMethod:           domain.MFAMethodEmail,
		EncryptedTOTPSecret: sealed,
		Active:              true,
	}
	return engine, sender, store, identity
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	engine, sender, _, identity := newTestEngine(t, 5)

	require.NoError(t, engine.Issue(ctx, identity, "10.0.0.1"))
	require.Equal(t, 1, sender.sentCount)
	require.Len(t, sender.lastCode, 6)

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", sender.lastCode)
	require.NoError(t, err)
	require.Equal(t, totp.ResultValid, result)
}

func TestValidateConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	engine, sender, _, identity := newTestEngine(t, 5)

	require.NoError(t, engine.Issue(ctx, identity, "10.0.0.1"))
	code := sender.lastCode

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", code)
	require.NoError(t, err)
	require.Equal(t, totp.ResultValid, result)

	// Replaying the same correct code must find no active challenge.
	result, _, err = engine.Validate(ctx, identity, "10.0.0.1", code)
	require.NoError(t, err)
	require.Equal(t, totp.ResultNoActiveChallenge, result)
}

func TestValidateBanEscalation(t *testing.T) {
	ctx := context.Background()
	engine, sender, _, identity := newTestEngine(t, 2)

	require.NoError(t, engine.Issue(ctx, identity, "10.0.0.1"))

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", "000000")
	require.NoError(t, err)
	require.Equal(t, totp.ResultInvalid, result)

	result, ttl, err := engine.Validate(ctx, identity, "10.0.0.1", "000000")
	require.NoError(t, err)
	require.Equal(t, totp.ResultRateLimited, result)
	require.Equal(t, 15*time.Minute, ttl)

	// The correct code is still refused while the ban holds, and the ban
	// check must not consume another attempt.
	result, _, err = engine.Validate(ctx, identity, "10.0.0.1", sender.lastCode)
	require.NoError(t, err)
	require.Equal(t, totp.ResultRateLimited, result)
}

func TestValidateExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	engine, _, store, identity := newTestEngine(t, 5)

	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.Put(ctx, "42", totp.Challenge{
		IdentityID: identity.ID,
		IssuedAt:   past,
		ExpiresAt:  past.Add(5 * time.Minute),
	}, time.Minute))

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", "123456")
	require.NoError(t, err)
	require.Equal(t, totp.ResultExpired, result)
}

func TestValidateWithoutChallenge(t *testing.T) {
	ctx := context.Background()
	engine, _, _, identity := newTestEngine(t, 5)

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", "123456")
	require.NoError(t, err)
	require.Equal(t, totp.ResultNoActiveChallenge, result)
}

func TestValidateRejectsWrongWidthCodes(t *testing.T) {
	ctx := context.Background()
	engine, sender, _, identity := newTestEngine(t, 10)

	require.NoError(t, engine.Issue(ctx, identity, "10.0.0.1"))

	// Codes are fixed-width strings; padding or truncating the correct code
	// must fail even when the numeric value matches.
	for _, code := range []string{"0" + sender.lastCode, sender.lastCode[1:], "12345a"} {
		result, _, err := engine.Validate(ctx, identity, "10.0.0.1", code)
		require.NoError(t, err)
		require.Equal(t, totp.ResultInvalid, result, "code %q", code)
	}

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", sender.lastCode)
	require.NoError(t, err)
	require.Equal(t, totp.ResultValid, result)
}

func TestCancelDiscardsChallenge(t *testing.T) {
	ctx := context.Background()
	engine, _, _, identity := newTestEngine(t, 5)

	require.NoError(t, engine.Issue(ctx, identity, "10.0.0.1"))
	require.NoError(t, engine.Cancel(ctx, identity))

	result, _, err := engine.Validate(ctx, identity, "10.0.0.1", "123456")
	require.NoError(t, err)
	require.Equal(t, totp.ResultNoActiveChallenge, result)
}

func TestSecretRoundTrip(t *testing.T) {
	sealed, err := totp.EncryptSecret(testKey, "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	secret, err := totp.DecryptSecret(testKey, sealed)
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", secret)

	_, err = totp.DecryptSecret([]byte("ffffffffffffffffffffffffffffffff"), sealed)
	require.Error(t, err)
}

package totp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/mailer"
	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
)

// Result is the outcome of a TOTP validation attempt.
type Result int

const (
	ResultValid Result = iota
	ResultInvalid
	ResultExpired
	ResultRateLimited
	ResultNoActiveChallenge
)

func (r Result) String() string {
	switch r {
	case ResultValid:
		return "valid"
	case ResultInvalid:
		return "invalid"
	case ResultExpired:
		return "expired"
	case ResultRateLimited:
		return "rate_limited"
	default:
		return "no_active_challenge"
	}
}

// Challenge is a pending one-time-code challenge for an identity. It is
// single-use: successful validation deletes it, so a replayed code finds
// no active challenge.
type Challenge struct {
	IdentityID int64     `json:"identity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChallengeStore persists pending challenges keyed by identity.
type ChallengeStore interface {
	Put(ctx context.Context, key string, challenge Challenge, ttl time.Duration) error
	Get(ctx context.Context, key string) (*Challenge, error)
	Delete(ctx context.Context, key string) error
}

const rateLimitPurpose = "totp"

// Expired challenges linger briefly in the store so a late submission can
// be told apart from one that never had a challenge.
const expiredChallengeGrace = time.Minute

// Options configure code shape and validity.
type Options struct {
	Digits       int
	Period       time.Duration
	ChallengeTTL time.Duration
}

// Engine generates and validates time-based one-time codes with per-key
// rate limiting and ban escalation.
type Engine struct {
	store     ChallengeStore
	limiter   *ratelimit.Limiter
	mailer    mailer.Mailer
	secretKey []byte
	opts      Options
	logger    *zap.Logger
}

// NewEngine wires dependencies. secretKey decrypts the per-identity TOTP
// secret stored on the Identity row.
func NewEngine(store ChallengeStore, limiter *ratelimit.Limiter, sender mailer.Mailer, secretKey []byte, opts Options, logger *zap.Logger) *Engine {
	if opts.Digits == 0 {
		opts.Digits = 6
	}
	if opts.Period <= 0 {
		opts.Period = 30 * time.Second
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	return &Engine{store: store, limiter: limiter, mailer: sender, secretKey: secretKey, opts: opts, logger: logger}
}

// Issue starts a challenge for the identity and dispatches the current code
// over the identity's preferred channel. An already pending challenge is
// reissued in place so repeated login attempts do not stack challenges.
func (e *Engine) Issue(ctx context.Context, identity domain.Identity, source string) error {
	allowed, ttl, err := e.limiter.Allowed(ctx, e.rateKey(source, identity))
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if !allowed {
		return domain.NewRateLimitError(ttl)
	}

	secret, err := DecryptSecret(e.secretKey, identity.EncryptedTOTPSecret)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}

	now := time.Now().UTC()
	code, err := totp.GenerateCodeCustom(secret, now, e.validateOpts())
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	challenge := Challenge{
		IdentityID: identity.ID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.opts.ChallengeTTL),
	}
	if err := e.store.Put(ctx, e.challengeKey(identity), challenge, e.opts.ChallengeTTL+expiredChallengeGrace); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}

	if err := e.mailer.SendTOTPCode(ctx, identity, code, e.opts.ChallengeTTL); err != nil {
		return fmt.Errorf("dispatch code: %w", err)
	}

	e.logger.Info("totp challenge issued",
		zap.Int64("identity_id", identity.ID),
		zap.String("channel", string(identity.MFAMethod)),
		zap.Time("expires_at", challenge.ExpiresAt),
	)
	return nil
}

// Validate checks a submitted code against the pending challenge. The ban
// flag is consulted before any attempt is consumed; a correct code clears
// the attempt counter and consumes the challenge.
func (e *Engine) Validate(ctx context.Context, identity domain.Identity, source, code string) (Result, time.Duration, error) {
	key := e.rateKey(source, identity)

	allowed, banTTL, err := e.limiter.Allowed(ctx, key)
	if err != nil {
		return ResultInvalid, 0, fmt.Errorf("rate check: %w", err)
	}
	if !allowed {
		return ResultRateLimited, banTTL, nil
	}

	challenge, err := e.store.Get(ctx, e.challengeKey(identity))
	if err != nil {
		return ResultInvalid, 0, fmt.Errorf("load challenge: %w", err)
	}
	if challenge == nil {
		return ResultNoActiveChallenge, 0, nil
	}

	now := time.Now().UTC()
	if now.After(challenge.ExpiresAt) {
		_ = e.store.Delete(ctx, e.challengeKey(identity))
		return ResultExpired, 0, nil
	}

	// Codes are fixed-width strings; "00123" and "123" must not collide.
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != e.opts.Digits || !isDigits(trimmed) {
		return e.fail(ctx, key)
	}

	secret, err := DecryptSecret(e.secretKey, identity.EncryptedTOTPSecret)
	if err != nil {
		return ResultInvalid, 0, fmt.Errorf("decrypt totp secret: %w", err)
	}

	ok, err := totp.ValidateCustom(trimmed, secret, now, e.validateOpts())
	if err != nil {
		return ResultInvalid, 0, fmt.Errorf("validate code: %w", err)
	}
	if !ok {
		return e.fail(ctx, key)
	}

	if err := e.store.Delete(ctx, e.challengeKey(identity)); err != nil {
		return ResultInvalid, 0, fmt.Errorf("consume challenge: %w", err)
	}
	if err := e.limiter.Reset(ctx, key); err != nil {
		return ResultInvalid, 0, fmt.Errorf("reset attempts: %w", err)
	}
	return ResultValid, 0, nil
}

// Cancel discards any pending challenge, used on logout and forced
// re-authentication.
func (e *Engine) Cancel(ctx context.Context, identity domain.Identity) error {
	return e.store.Delete(ctx, e.challengeKey(identity))
}

// ClearLimits removes counters and bans for the identity across sources,
// used on explicit logout.
func (e *Engine) ClearLimits(ctx context.Context, identity domain.Identity, source string) error {
	return e.limiter.Lift(ctx, e.rateKey(source, identity))
}

func (e *Engine) fail(ctx context.Context, key string) (Result, time.Duration, error) {
	banned, ttl, err := e.limiter.RecordFailure(ctx, key)
	if err != nil {
		return ResultInvalid, 0, fmt.Errorf("record failure: %w", err)
	}
	if banned {
		return ResultRateLimited, ttl, nil
	}
	return ResultInvalid, 0, nil
}

func (e *Engine) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(e.opts.Period.Seconds()),
		Skew:      1,
		Digits:    otp.Digits(e.opts.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (e *Engine) challengeKey(identity domain.Identity) string {
	return fmt.Sprintf("%d", identity.ID)
}

func (e *Engine) rateKey(source string, identity domain.Identity) string {
	return ratelimit.PairKey(rateLimitPurpose, source, fmt.Sprintf("%d", identity.ID))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

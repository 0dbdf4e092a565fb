package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	pw "github.com/apkap83/b2b-tickets-auth/internal/password"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
)

// CredentialVerifier validates username/password pairs and maintains the
// per-account failure counter and lock flag.
type CredentialVerifier struct {
	identities repository.IdentityRepository
	bypass     *AdminBypassGuard
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewCredentialVerifier wires dependencies.
func NewCredentialVerifier(identities repository.IdentityRepository, bypass *AdminBypassGuard, cfg config.Config, logger *zap.Logger) *CredentialVerifier {
	return &CredentialVerifier{
		identities: identities,
		bypass:     bypass,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/apkap83/b2b-tickets-auth/internal/service"),
	}
}

// Verify checks the supplied credentials. Every branch, unknown username
// included, takes at least cfg.MinAuthLatency so neither the response nor
// its timing discloses whether the account exists.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (VerifyOutcome, domain.Identity, error) {
	ctx, span := v.tracer.Start(ctx, "CredentialVerifier.Verify")
	defer span.End()

	start := time.Now()
	outcome, identity, err := v.verify(ctx, username, password)
	v.holdMinLatency(ctx, start)
	if err != nil {
		span.RecordError(err)
	}
	return outcome, identity, err
}

func (v *CredentialVerifier) verify(ctx context.Context, username, password string) (VerifyOutcome, domain.Identity, error) {
	normalized := strings.ToLower(strings.TrimSpace(username))

	identity, err := v.identities.GetByUsername(ctx, normalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn the same hashing cost as a real comparison.
			pw.VerifyDummy(password)
			return OutcomeInvalidCredentials, domain.Identity{}, nil
		}
		return OutcomeInvalidCredentials, domain.Identity{}, err
	}

	if identity.Locked || !identity.Active {
		return OutcomeAccountLocked, identity, nil
	}

	if identity.AuthType != domain.AuthTypeLocal || identity.PasswordHash == "" {
		// Federated accounts have no local password; indistinguishable
		// from a wrong password by design.
		pw.VerifyDummy(password)
		return OutcomeInvalidCredentials, identity, nil
	}

	ok, err := pw.Verify(password, identity.PasswordHash)
	if err != nil {
		return OutcomeInvalidCredentials, identity, err
	}
	if !ok {
		attempts, locked, err := v.identities.RecordFailure(ctx, identity.ID, v.cfg.LockoutThreshold)
		if err != nil {
			return OutcomeInvalidCredentials, identity, err
		}
		v.logger.Warn("password verification failed",
			zap.Int64("identity_id", identity.ID),
			zap.Int("failed_attempts", attempts),
			zap.Bool("locked", locked),
		)
		return OutcomeInvalidCredentials, identity, nil
	}

	if v.bypass.Applies(identity) {
		granted, err := v.bypass.Evaluate(ctx, identity)
		if err != nil {
			return OutcomeInvalidCredentials, identity, err
		}
		if !granted {
			return OutcomeInvalidCredentials, identity, nil
		}
		if err := v.identities.RecordSuccess(ctx, identity.ID); err != nil {
			return OutcomeInvalidCredentials, identity, err
		}
		return OutcomeAuthenticated, identity, nil
	}

	if identity.MFAExempt {
		if err := v.identities.RecordSuccess(ctx, identity.ID); err != nil {
			return OutcomeInvalidCredentials, identity, err
		}
		return OutcomeNoSecondFactorNeeded, identity, nil
	}

	// Counter reset is deferred until the second factor completes; the
	// password stage alone is not a successful authentication.
	return OutcomeSecondFactorRequired, identity, nil
}

// holdMinLatency sleeps out the remainder of the constant processing
// budget, honoring context cancellation.
func (v *CredentialVerifier) holdMinLatency(ctx context.Context, start time.Time) {
	remaining := v.cfg.MinAuthLatency - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

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
	"github.com/apkap83/b2b-tickets-auth/internal/mailer"
	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
)

const resetRatePurpose = "pwreset"

// PasswordResetService issues and redeems password-reset attestations.
type PasswordResetService struct {
	identities repository.IdentityRepository
	issuer     *token.Issuer
	mailer     mailer.Mailer
	limiter    *ratelimit.Limiter
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewPasswordResetService wires dependencies.
func NewPasswordResetService(
	identities repository.IdentityRepository,
	issuer *token.Issuer,
	sender mailer.Mailer,
	limiter *ratelimit.Limiter,
	cfg config.Config,
	logger *zap.Logger,
) *PasswordResetService {
	return &PasswordResetService{
		identities: identities,
		issuer:     issuer,
		mailer:     sender,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/apkap83/b2b-tickets-auth/internal/service"),
	}
}

// Request issues a reset attestation for the email. The response shape and
// latency are identical whether or not the account exists; only a real
// account triggers a mail dispatch. The attestation is returned for cookie
// transport in both cases (for unknown accounts it is a decoy bound to the
// submitted address, so response size cannot leak existence either).
func (s *PasswordResetService) Request(ctx context.Context, email, source string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "PasswordResetService.Request")
	defer span.End()

	start := time.Now()
	attestation, err := s.request(ctx, email, source)
	s.holdMinLatency(ctx, start)
	if err != nil {
		span.RecordError(err)
	}
	return attestation, err
}

func (s *PasswordResetService) request(ctx context.Context, email, source string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return "", domain.NewValidationError("Email is required.")
	}

	key := ratelimit.Key(resetRatePurpose, source)
	allowed, banTTL, err := s.limiter.Allowed(ctx, key)
	if err != nil {
		return "", domain.NewInternalError()
	}
	if !allowed {
		return "", domain.NewRateLimitError(banTTL)
	}
	if banned, ttl, err := s.limiter.RecordFailure(ctx, key); err != nil {
		return "", domain.NewInternalError()
	} else if banned {
		return "", domain.NewRateLimitError(ttl)
	}

	attestation, err := s.issuer.Issue(token.PurposePasswordReset, normalized, s.cfg.AttestationTTL, token.Claims{Email: normalized})
	if err != nil {
		return "", domain.NewInternalError()
	}

	identity, err := s.identities.GetByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("reset lookup failed", zap.Error(err))
		} else {
			s.logger.Warn("password reset requested for unknown email", zap.String("email", normalized))
		}
		// Same response shape; no dispatch.
		return attestation, nil
	}

	if err := s.mailer.SendPasswordReset(ctx, identity, attestation, s.cfg.AttestationTTL); err != nil {
		s.logger.Error("reset mail dispatch failed", zap.Int64("identity_id", identity.ID), zap.Error(err))
		// Still indistinguishable to the caller.
		return attestation, nil
	}

	s.logger.Info("audit",
		zap.String("event", "password_reset.requested"),
		zap.Time("timestamp", time.Now().UTC()),
		zap.Int64("identity_id", identity.ID),
	)
	return attestation, nil
}

// Redeem verifies a reset attestation, re-checks the target identity is
// active and unlocked, and returns the associated email.
func (s *PasswordResetService) Redeem(ctx context.Context, rawToken string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "PasswordResetService.Redeem")
	defer span.End()

	subject, claims, err := s.issuer.Verify(rawToken, token.PurposePasswordReset)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("reset token rejected", zap.Error(err))
		return "", domain.NewTokenError()
	}

	email := claims.Email
	if email == "" {
		email = subject
	}

	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NewTokenError()
		}
		span.RecordError(err)
		return "", domain.NewInternalError()
	}
	if identity.Locked || !identity.Active {
		return "", domain.NewAuthorizationError("Account is locked or inactive.")
	}

	s.logger.Info("audit",
		zap.String("event", "password_reset.redeemed"),
		zap.Time("timestamp", time.Now().UTC()),
		zap.Int64("identity_id", identity.ID),
	)
	return identity.Email, nil
}

func (s *PasswordResetService) holdMinLatency(ctx context.Context, start time.Time) {
	remaining := s.cfg.MinAuthLatency - time.Since(start)
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

package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/adapter/captcha"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
)

// CaptchaGate validates human-verification tokens and issues short-lived
// captcha attestations.
type CaptchaGate struct {
	verifier captcha.Verifier
	issuer   *token.Issuer
	ttl      time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCaptchaGate wires dependencies.
func NewCaptchaGate(verifier captcha.Verifier, issuer *token.Issuer, ttl time.Duration, logger *zap.Logger) *CaptchaGate {
	return &CaptchaGate{
		verifier: verifier,
		issuer:   issuer,
		ttl:      ttl,
		logger:   logger,
		tracer:   otel.Tracer("github.com/apkap83/b2b-tickets-auth/internal/service"),
	}
}

// Check returns a valid captcha attestation for the request. A still-valid
// attestation already held by the client is reused; otherwise the supplied
// client token is verified with the external service and a fresh
// attestation is issued, bound to the claimed email when one is supplied.
// The binding is enforced only at consumption sites that name an expected
// email; a site that supplies none accepts any valid attestation, bound or
// not.
func (g *CaptchaGate) Check(ctx context.Context, clientToken, heldAttestation, email, remoteIP string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "CaptchaGate.Check")
	defer span.End()

	if heldAttestation != "" {
		subject, claims, err := g.issuer.Verify(heldAttestation, token.PurposeCaptcha)
		if err == nil && (email == "" || claims.Email == "" || claims.Email == email) {
			g.logger.Debug("captcha attestation reused", zap.String("subject", subject))
			return heldAttestation, nil
		}
	}

	if clientToken == "" {
		return "", domain.NewValidationError("CAPTCHA verification required.")
	}

	if err := g.verifier.Verify(ctx, clientToken, remoteIP); err != nil {
		span.RecordError(err)
		// Network failure and verification failure surface identically to
		// the client but are logged apart.
		if errors.Is(err, captcha.ErrVerificationFailed) {
			g.logger.Warn("captcha verification rejected", zap.Error(err), zap.String("remote_ip", remoteIP))
		} else {
			g.logger.Error("captcha verification unreachable", zap.Error(err))
		}
		return "", domain.NewValidationError("CAPTCHA validation failed.")
	}

	subject := email
	if subject == "" {
		subject = "anonymous"
	}
	attestation, err := g.issuer.Issue(token.PurposeCaptcha, subject, g.ttl, token.Claims{Email: email})
	if err != nil {
		span.RecordError(err)
		return "", domain.NewInternalError()
	}

	g.logger.Info("audit",
		zap.String("event", "captcha.attestation.issued"),
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("subject", subject),
	)
	return attestation, nil
}

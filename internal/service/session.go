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
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

// SessionManager composes the credential verifier, CAPTCHA gate, and TOTP
// engine into the multi-step login state machine, and owns session
// issuance, extension, and teardown.
type SessionManager struct {
	verifier   *CredentialVerifier
	captcha    *CaptchaGate
	totp       *totp.Engine
	identities repository.IdentityRepository
	roles      repository.RoleRepository
	issuer     *token.Issuer
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewSessionManager wires dependencies.
func NewSessionManager(
	verifier *CredentialVerifier,
	captchaGate *CaptchaGate,
	engine *totp.Engine,
	identities repository.IdentityRepository,
	roles repository.RoleRepository,
	issuer *token.Issuer,
	cfg config.Config,
	logger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		verifier:   verifier,
		captcha:    captchaGate,
		totp:       engine,
		identities: identities,
		roles:      roles,
		issuer:     issuer,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/apkap83/b2b-tickets-auth/internal/service"),
	}
}

// Login drives one credential submission through the state machine.
func (m *SessionManager) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	ctx, span := m.tracer.Start(ctx, "SessionManager.Login")
	defer span.End()

	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return LoginResult{}, domain.NewValidationError("Username and password are required.")
	}

	var attestation string
	if m.cfg.CaptchaEnabled {
		if req.CaptchaToken == "" && req.CaptchaAttestation == "" {
			return LoginResult{State: StateCaptchaPending}, nil
		}
		var err error
		attestation, err = m.captcha.Check(ctx, req.CaptchaToken, req.CaptchaAttestation, "", req.Source)
		if err != nil {
			span.RecordError(err)
			return LoginResult{}, err
		}
	}

	outcome, identity, err := m.verifier.Verify(ctx, req.Username, req.Password)
	if err != nil {
		span.RecordError(err)
		return LoginResult{}, domain.NewInternalError()
	}

	switch outcome {
	case OutcomeAuthenticated, OutcomeNoSecondFactorNeeded:
		result, err := m.issueSession(ctx, identity)
		if err != nil {
			span.RecordError(err)
			return LoginResult{}, err
		}
		m.audit("session.login.success", "identity_id", identity.ID, "second_factor", false)
		return LoginResult{
			State:              StateAuthenticated,
			SessionToken:       result.SessionToken,
			Session:            result.Session,
			SessionExpiresIn:   result.SessionExpiresIn,
			WarnAfter:          result.WarnAfter,
			CaptchaAttestation: attestation,
		}, nil

	case OutcomeSecondFactorRequired:
		if err := m.totp.Issue(ctx, identity, req.Source); err != nil {
			span.RecordError(err)
			if authErr, ok := domain.AsAuthError(err); ok {
				return LoginResult{}, authErr
			}
			return LoginResult{}, domain.NewInternalError()
		}
		m.audit("session.otp_challenge.issued", "identity_id", identity.ID)
		return LoginResult{
			State:              StateOTPPending,
			OTPExpiresIn:       int(m.cfg.AttestationTTL.Seconds()),
			CaptchaAttestation: attestation,
		}, nil

	case OutcomeAccountLocked:
		m.audit("session.login.locked", "identity_id", identity.ID)
		return LoginResult{}, domain.NewAuthorizationError("Account is locked or inactive.")

	default:
		return LoginResult{}, domain.NewAuthenticationError()
	}
}

// CompleteOTP finishes a pending second-factor challenge and issues the
// final session.
func (m *SessionManager) CompleteOTP(ctx context.Context, email, code, source string) (SessionResult, error) {
	ctx, span := m.tracer.Start(ctx, "SessionManager.CompleteOTP")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" || strings.TrimSpace(code) == "" {
		return SessionResult{}, domain.NewValidationError("Email and code are required.")
	}

	identity, err := m.identities.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown email must answer exactly like a known account with no
			// pending challenge; anything else enumerates accounts.
			m.logger.Warn("otp submission for unknown email", zap.String("source", source))
			return SessionResult{}, errNoActiveChallenge()
		}
		span.RecordError(err)
		return SessionResult{}, domain.NewInternalError()
	}

	result, banTTL, err := m.totp.Validate(ctx, identity, source, code)
	if err != nil {
		span.RecordError(err)
		return SessionResult{}, domain.NewInternalError()
	}

	switch result {
	case totp.ResultValid:
		// The second factor completes the authentication; only now does
		// the failure counter reset.
		if err := m.identities.RecordSuccess(ctx, identity.ID); err != nil {
			span.RecordError(err)
			return SessionResult{}, domain.NewInternalError()
		}
		attestation, err := m.issuer.Issue(token.PurposeOTP, normalized, m.cfg.AttestationTTL, token.Claims{Email: normalized})
		if err != nil {
			span.RecordError(err)
			return SessionResult{}, domain.NewInternalError()
		}
		session, err := m.issueSession(ctx, identity)
		if err != nil {
			span.RecordError(err)
			return SessionResult{}, err
		}
		session.OTPAttestation = attestation
		m.audit("session.login.success", "identity_id", identity.ID, "second_factor", true)
		return session, nil

	case totp.ResultRateLimited:
		m.audit("session.otp.rate_limited", "identity_id", identity.ID, "source", source)
		return SessionResult{}, domain.NewRateLimitError(banTTL)

	case totp.ResultExpired:
		m.audit("session.otp.expired", "identity_id", identity.ID)
		return SessionResult{}, &domain.AuthError{Code: "code_expired", Description: "The code has expired. Log in again.", Status: 401}

	case totp.ResultNoActiveChallenge:
		// Covers both "never challenged" and replay of a consumed code.
		m.logger.Warn("otp submission without active challenge",
			zap.Int64("identity_id", identity.ID),
			zap.String("source", source),
		)
		return SessionResult{}, errNoActiveChallenge()

	default:
		return SessionResult{}, domain.NewAuthenticationError()
	}
}

// Extend moves a live session's expiry forward by the configured increment,
// never backward and never past loginAt + max lifetime.
func (m *SessionManager) Extend(ctx context.Context, rawSession string) (SessionResult, error) {
	_, span := m.tracer.Start(ctx, "SessionManager.Extend")
	defer span.End()

	session, err := m.issuer.VerifySession(rawSession)
	if err != nil {
		span.RecordError(err)
		return SessionResult{}, domain.NewTokenError()
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		return SessionResult{}, domain.NewTokenError()
	}

	ceiling := session.MaxExpiry(m.cfg.SessionMaxLifetime)
	next := now.Add(m.cfg.SessionExtendBy)
	if next.After(ceiling) {
		next = ceiling
	}
	if next.Before(session.ExpiresAt) {
		next = session.ExpiresAt
	}

	session.IssuedAt = now
	session.ExpiresAt = next

	signed, err := m.issuer.IssueSession(session)
	if err != nil {
		span.RecordError(err)
		return SessionResult{}, domain.NewInternalError()
	}

	m.audit("session.extended", "identity_id", session.IdentityID, "expires_at", next)
	return SessionResult{
		SessionToken:     signed,
		Session:          session,
		SessionExpiresIn: int(time.Until(next).Seconds()),
		WarnAfter:        m.warnAfter(next),
	}, nil
}

// Validate checks a session token and returns the live session.
func (m *SessionManager) Validate(ctx context.Context, rawSession string) (domain.Session, error) {
	session, err := m.issuer.VerifySession(rawSession)
	if err != nil {
		return domain.Session{}, domain.NewTokenError()
	}
	return session, nil
}

// Logout tears down a login. At least one presented token must verify as a
// genuine signed token; garbage input must not turn the clear endpoint
// into a verification oracle or a silent success.
func (m *SessionManager) Logout(ctx context.Context, presented map[token.Purpose]string, source string) error {
	ctx, span := m.tracer.Start(ctx, "SessionManager.Logout")
	defer span.End()

	var identityID int64
	var authenticated bool
	for purpose, raw := range presented {
		if raw == "" {
			continue
		}
		if purpose == token.PurposeSession {
			if session, err := m.issuer.VerifySession(raw); err == nil {
				authenticated = true
				identityID = session.IdentityID
			}
			continue
		}
		if _, _, err := m.issuer.Verify(raw, purpose); err == nil {
			authenticated = true
		} else {
			m.logger.Warn("logout presented unverifiable token",
				zap.String("purpose", string(purpose)),
				zap.Error(err),
			)
		}
	}
	if !authenticated {
		return domain.NewTokenError()
	}

	if identityID != 0 {
		identity, err := m.identities.GetByID(ctx, identityID)
		if err == nil {
			if err := m.totp.Cancel(ctx, identity); err != nil {
				m.logger.Warn("cancel pending challenge on logout", zap.Error(err))
			}
			if err := m.totp.ClearLimits(ctx, identity, source); err != nil {
				m.logger.Warn("clear rate counters on logout", zap.Error(err))
			}
		}
	}

	m.audit("session.logout", "identity_id", identityID)
	return nil
}

func (m *SessionManager) issueSession(ctx context.Context, identity domain.Identity) (SessionResult, error) {
	roles, err := m.roles.ListRolesForIdentity(ctx, identity.ID)
	if err != nil {
		return SessionResult{}, domain.NewInternalError()
	}

	roleNames := make([]string, 0, len(roles))
	seen := make(map[string]struct{})
	var permissions []string
	for _, role := range roles {
		roleNames = append(roleNames, role.Name)
		for _, perm := range role.Permissions {
			if _, dup := seen[perm]; dup {
				continue
			}
			seen[perm] = struct{}{}
			permissions = append(permissions, perm)
		}
	}

	now := time.Now().UTC()
	session := domain.Session{
		IdentityID:  identity.ID,
		Username:    identity.Username,
		Roles:       roleNames,
		Permissions: permissions,
		LoginAt:     now,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.SessionMaxAge),
	}

	signed, err := m.issuer.IssueSession(session)
	if err != nil {
		return SessionResult{}, domain.NewInternalError()
	}

	return SessionResult{
		SessionToken:     signed,
		Session:          session,
		SessionExpiresIn: int(m.cfg.SessionMaxAge.Seconds()),
		WarnAfter:        m.warnAfter(session.ExpiresAt),
	}, nil
}

// warnAfter returns the seconds until the extend-or-logout prompt should
// surface.
func (m *SessionManager) warnAfter(expiresAt time.Time) int {
	warnAt := expiresAt.Add(-m.cfg.SessionWarnBefore)
	seconds := int(time.Until(warnAt).Seconds())
	if seconds < 0 {
		return 0
	}
	return seconds
}

// errNoActiveChallenge is shared by the unknown-email and no-challenge
// branches so the two responses are byte-identical.
func errNoActiveChallenge() *domain.AuthError {
	return &domain.AuthError{Code: "no_active_challenge", Description: "No active verification challenge.", Status: 401}
}

func (m *SessionManager) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	m.logger.Info("audit", fields...)
}

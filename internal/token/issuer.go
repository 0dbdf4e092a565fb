package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
)

// Purpose tags a signed token with the single step it attests. Every
// consumption site verifies against an explicit expected purpose; a captcha
// attestation presented where an otp attestation is expected is rejected.
type Purpose string

const (
	PurposeCaptcha       Purpose = "captcha"
	PurposeOTP           Purpose = "otp"
	PurposePasswordReset Purpose = "password-reset"
	PurposeSession       Purpose = "session"
)

// Verification failures are distinct so logs can tell tampering from
// staleness, even though the HTTP response is uniform.
var (
	ErrBadSignature = errors.New("token signature invalid")
	ErrWrongPurpose = errors.New("token purpose mismatch")
	ErrExpired      = errors.New("token expired")
	ErrMalformed    = errors.New("token malformed")
)

// Claims is the payload of every issued token. Session-only fields are
// empty on attestations.
type Claims struct {
	Purpose     Purpose  `json:"purpose"`
	Email       string   `json:"email,omitempty"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	LoginAt     int64    `json:"login_at,omitempty"`
}

// Issuer signs and verifies short-lived purpose-tagged tokens with a
// service-level HS256 key.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer constructs an Issuer. The issuer name lands in the `iss` claim.
func NewIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{secret: secret, issuer: issuer}
}

// Issue mints a signed attestation bound to subject and purpose.
func (i *Issuer) Issue(purpose Purpose, subject string, ttl time.Duration, custom Claims) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: i.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
		NotBefore: gojwt.NewNumericDate(now),
	}
	custom.Purpose = purpose

	signed, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and purpose, in that order. Each failure
// is a distinct error value.
func (i *Issuer) Verify(raw string, expected Purpose) (string, *Claims, error) {
	parsed, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var std gojwt.Claims
	var custom Claims
	if err := parsed.Claims(i.secret, &std, &custom); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if err := std.Validate(gojwt.Expected{Issuer: i.issuer, Time: time.Now().UTC()}); err != nil {
		if errors.Is(err, gojwt.ErrExpired) {
			return "", nil, ErrExpired
		}
		return "", nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if custom.Purpose != expected {
		return "", nil, ErrWrongPurpose
	}

	return std.Subject, &custom, nil
}

// IssueSession encodes a full session into a signed token.
func (i *Issuer) IssueSession(session domain.Session) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: i.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	std := gojwt.Claims{
		Subject:   strconv.FormatInt(session.IdentityID, 10),
		Issuer:    i.issuer,
		IssuedAt:  gojwt.NewNumericDate(session.IssuedAt),
		Expiry:    gojwt.NewNumericDate(session.ExpiresAt),
		NotBefore: gojwt.NewNumericDate(session.IssuedAt),
	}
	custom := Claims{
		Purpose:     PurposeSession,
		Username:    session.Username,
		Roles:       session.Roles,
		Permissions: session.Permissions,
		LoginAt:     session.LoginAt.Unix(),
	}

	signed, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize session: %w", err)
	}
	return signed, nil
}

// VerifySession decodes and validates a session token.
func (i *Issuer) VerifySession(raw string) (domain.Session, error) {
	parsed, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var std gojwt.Claims
	var custom Claims
	if err := parsed.Claims(i.secret, &std, &custom); err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := std.Validate(gojwt.Expected{Issuer: i.issuer, Time: time.Now().UTC()}); err != nil {
		if errors.Is(err, gojwt.ErrExpired) {
			return domain.Session{}, ErrExpired
		}
		return domain.Session{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if custom.Purpose != PurposeSession {
		return domain.Session{}, ErrWrongPurpose
	}

	identityID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: bad subject", ErrMalformed)
	}

	return domain.Session{
		IdentityID:  identityID,
		Username:    custom.Username,
		Roles:       custom.Roles,
		Permissions: custom.Permissions,
		LoginAt:     time.Unix(custom.LoginAt, 0).UTC(),
		IssuedAt:    std.IssuedAt.Time(),
		ExpiresAt:   std.Expiry.Time(),
	}, nil
}

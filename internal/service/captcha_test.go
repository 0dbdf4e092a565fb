package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/adapter/captcha"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/service"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
)

func newCaptchaGateEnv(verifier captcha.Verifier) (*service.CaptchaGate, *token.Issuer) {
	issuer := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "auth-test")
	gate := service.NewCaptchaGate(verifier, issuer, 5*time.Minute, zap.NewNop())
	return gate, issuer
}

func TestCaptchaCheckIssuesAttestation(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeCaptchaVerifier{}
	gate, issuer := newCaptchaGateEnv(verifier)

	attestation, err := gate.Check(ctx, "client-token", "", "user@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls)

	subject, claims, err := issuer.Verify(attestation, token.PurposeCaptcha)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", subject)
	require.Equal(t, "user@example.com", claims.Email)
}

func TestCaptchaCheckReusesHeldAttestation(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeCaptchaVerifier{}
	gate, issuer := newCaptchaGateEnv(verifier)

	held, err := issuer.Issue(token.PurposeCaptcha, "user@example.com", time.Minute, token.Claims{Email: "user@example.com"})
	require.NoError(t, err)

	attestation, err := gate.Check(ctx, "", held, "user@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, held, attestation)
	require.Zero(t, verifier.calls, "a valid held attestation must not hit the external service")
}

func TestCaptchaCheckReusesBoundAttestationAtUnboundSite(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeCaptchaVerifier{}
	gate, issuer := newCaptchaGateEnv(verifier)

	bound, err := issuer.Issue(token.PurposeCaptcha, "jdoe@example.com", time.Minute, token.Claims{Email: "jdoe@example.com"})
	require.NoError(t, err)

	// Login does not know the account email up front; an attestation bound
	// at the captcha step must still satisfy it.
	attestation, err := gate.Check(ctx, "", bound, "", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, bound, attestation)
	require.Zero(t, verifier.calls)
}

func TestCaptchaCheckRejectsMismatchedBinding(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeCaptchaVerifier{}
	gate, issuer := newCaptchaGateEnv(verifier)

	held, err := issuer.Issue(token.PurposeCaptcha, "other@example.com", time.Minute, token.Claims{Email: "other@example.com"})
	require.NoError(t, err)

	// The held attestation is bound to a different email, so the client
	// token must be re-verified.
	attestation, err := gate.Check(ctx, "client-token", held, "user@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NotEqual(t, held, attestation)
	require.Equal(t, 1, verifier.calls)
}

func TestCaptchaCheckRejectsVerificationFailure(t *testing.T) {
	ctx := context.Background()
	gate, _ := newCaptchaGateEnv(&fakeCaptchaVerifier{err: captcha.ErrVerificationFailed})

	_, err := gate.Check(ctx, "client-token", "", "", "10.0.0.1")
	authErr, ok := domain.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, authErr.Status)
}

func TestCaptchaCheckTransportFailureSameResponse(t *testing.T) {
	ctx := context.Background()
	gate, _ := newCaptchaGateEnv(&fakeCaptchaVerifier{err: errors.New("connection refused")})

	// Unreachable verification service surfaces the same generic error as a
	// rejected token.
	_, err := gate.Check(ctx, "client-token", "", "", "10.0.0.1")
	authErr, ok := domain.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, authErr.Status)
	require.Equal(t, "CAPTCHA validation failed.", authErr.Description)
}

func TestCaptchaCheckRequiresToken(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeCaptchaVerifier{}
	gate, _ := newCaptchaGateEnv(verifier)

	_, err := gate.Check(ctx, "", "", "", "10.0.0.1")
	authErr, ok := domain.AsAuthError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, authErr.Status)
	require.Zero(t, verifier.calls)
}

package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SIGNING_SECRET", strings.Repeat("s", 32))
	t.Setenv("TOTP_SECRET_KEY", strings.Repeat("k", 32))
	t.Setenv("DATABASE_URL", "postgres://localhost/auth")
	t.Setenv("CAPTCHA_SECRET", "captcha-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.LockoutThreshold)
	require.Equal(t, 700*time.Millisecond, cfg.MinAuthLatency)
	require.Equal(t, 6, cfg.TOTPDigits)
}

func TestLoadRejectsShortSigningSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AUTH_SIGNING_SECRET", "too-short")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "AUTH_SIGNING_SECRET")
}

func TestLoadRejectsWrongLengthTOTPKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOTP_SECRET_KEY", "short")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOTP_SECRET_KEY")
}

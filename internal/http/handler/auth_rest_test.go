package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	transport "github.com/apkap83/b2b-tickets-auth/internal/http"
	"github.com/apkap83/b2b-tickets-auth/internal/http/handler"
	httpmiddleware "github.com/apkap83/b2b-tickets-auth/internal/http/middleware"
	"github.com/apkap83/b2b-tickets-auth/internal/password"
	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
	"github.com/apkap83/b2b-tickets-auth/internal/service"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	router     *gin.Engine
	identities *memoryIdentityRepo
	mailer     *captureMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLogger(t, zap.NewNop())
}

func newTestEnvWithLogger(t *testing.T, logger *zap.Logger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		ServiceName:        "auth-test",
		SigningSecret:      testKey,
		TOTPSecretKey:      testKey,
		LockoutThreshold:   5,
		AttestationTTL:     5 * time.Minute,
		TOTPDigits:         6,
		TOTPPeriod:         30 * time.Second,
		TOTPMaxAttempts:    5,
		TOTPBanTTL:         15 * time.Minute,
		SessionMaxAge:      30 * time.Minute,
		SessionMaxLifetime: 8 * time.Hour,
		SessionExtendBy:    30 * time.Minute,
		SessionWarnBefore:  2 * time.Minute,
	}

	identities := newMemoryIdentityRepo()
	roles := newMemoryRoleRepo()
	issuer := token.NewIssuer(cfg.SigningSecret, cfg.ServiceName)

	bypass := service.NewAdminBypassGuard(roles, false, "admin", logger)
	verifier := service.NewCredentialVerifier(identities, bypass, cfg, logger)

	limiter := ratelimit.NewLimiter(newMemoryLimitStore(), cfg.TOTPMaxAttempts, cfg.TOTPBanTTL, cfg.TOTPBanTTL)
	sender := &captureMailer{}
	engine := totp.NewEngine(newMemoryChallengeStore(), limiter, sender, cfg.TOTPSecretKey, totp.Options{
		Digits:       cfg.TOTPDigits,
		Period:       cfg.TOTPPeriod,
		ChallengeTTL: cfg.AttestationTTL,
	}, logger)

	gate := service.NewCaptchaGate(&approveAllVerifier{}, issuer, cfg.AttestationTTL, logger)
	sessions := service.NewSessionManager(verifier, gate, engine, identities, roles, issuer, cfg, logger)
	reset := service.NewPasswordResetService(identities, issuer, sender, limiter, cfg, logger)

	authHandler := handler.NewAuthHandler(sessions, gate, reset, identities, cfg, logger)
	authMiddleware := httpmiddleware.NewAuth(issuer, logger)
	router := transport.NewRouter(cfg, authHandler, authMiddleware, nil, logger)

	return &testEnv{router: router, identities: identities, mailer: sender}
}

func (e *testEnv) seedUser(t *testing.T, username, plaintext string) domain.Identity {
	t.Helper()
	hash, err := password.Hash(plaintext)
	require.NoError(t, err)
	sealed, err := totp.EncryptSecret(testKey, "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	identity := domain.Identity{
		ID:                  int64(len(e.identities.identities) + 1),
		Username:            username,
		Email:               username + "@example.com",
		PasswordHash:        hash,
		AuthType:            domain.AuthTypeLocal,
		MFAMethod:           domain.MFAMethodEmail,
		EncryptedTOTPSecret: sealed,
		Active:              true,
	}
	e.identities.identities[identity.ID] = identity
	return identity
}

func (e *testEnv) do(method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, cookie := range res.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestLoginTOTPFlow(t *testing.T) {
	env := newTestEnv(t)
	identity := env.seedUser(t, "jdoe", "right password")

	w := env.do(http.MethodPost, "/auth/login", `{"userName":"jdoe","password":"right password"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "otp_pending")
	require.NotEmpty(t, env.mailer.lastCode)

	w = env.do(http.MethodPost, "/auth/totp", `{"emailProvided":"`+identity.Email+`","totpCode":"`+env.mailer.lastCode+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "authenticated")

	res := w.Result()
	sessionCookie := cookieByName(res, httpmiddleware.SessionCookie)
	require.NotNil(t, sessionCookie)
	require.True(t, sessionCookie.HttpOnly)
	totpCookie := cookieByName(res, httpmiddleware.TOTPCookie)
	require.NotNil(t, totpCookie)

	w = env.do(http.MethodGet, "/auth/me", "", []*http.Cookie{sessionCookie})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"username":"jdoe"`)
	require.Contains(t, w.Body.String(), identity.Email)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "jdoe", "right password")

	w := env.do(http.MethodPost, "/auth/login", `{"userName":"jdoe","password":"wrong"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "Invalid username or password.")
}

func TestMeWithoutSessionRejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/auth/me", "", []*http.Cookie{{Name: httpmiddleware.SessionCookie, Value: "garbage"}})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionExtend(t *testing.T) {
	env := newTestEnv(t)
	identity := env.seedUser(t, "jdoe", "right password")

	env.do(http.MethodPost, "/auth/login", `{"userName":"jdoe","password":"right password"}`, nil)
	w := env.do(http.MethodPost, "/auth/totp", `{"emailProvided":"`+identity.Email+`","totpCode":"`+env.mailer.lastCode+`"}`, nil)
	sessionCookie := cookieByName(w.Result(), httpmiddleware.SessionCookie)
	require.NotNil(t, sessionCookie)

	w = env.do(http.MethodPost, "/auth/session/extend", "", []*http.Cookie{sessionCookie})
	require.Equal(t, http.StatusOK, w.Code)
	renewed := cookieByName(w.Result(), httpmiddleware.SessionCookie)
	require.NotNil(t, renewed)
	require.NotEmpty(t, renewed.Value)
}

func TestClearRequiresGenuineToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/auth/clear", "", []*http.Cookie{
		{Name: httpmiddleware.CaptchaCookie, Value: "garbage"},
		{Name: httpmiddleware.TOTPCookie, Value: "garbage"},
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClearWithValidSession(t *testing.T) {
	env := newTestEnv(t)
	identity := env.seedUser(t, "jdoe", "right password")

	env.do(http.MethodPost, "/auth/login", `{"userName":"jdoe","password":"right password"}`, nil)
	w := env.do(http.MethodPost, "/auth/totp", `{"emailProvided":"`+identity.Email+`","totpCode":"`+env.mailer.lastCode+`"}`, nil)
	sessionCookie := cookieByName(w.Result(), httpmiddleware.SessionCookie)
	require.NotNil(t, sessionCookie)

	w = env.do(http.MethodPost, "/auth/clear", "", []*http.Cookie{sessionCookie})
	require.Equal(t, http.StatusOK, w.Code)

	cleared := cookieByName(w.Result(), httpmiddleware.SessionCookie)
	require.NotNil(t, cleared)
	require.Empty(t, cleared.Value)
	require.Negative(t, cleared.MaxAge)
}

func TestResetRequestAnonymous(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "jdoe", "right password")

	known := env.do(http.MethodPost, "/auth/token", `{"email":"jdoe@example.com"}`, nil)
	unknown := env.do(http.MethodPost, "/auth/token", `{"email":"ghost@example.com"}`, nil)

	require.Equal(t, http.StatusOK, known.Code)
	require.Equal(t, http.StatusOK, unknown.Code)
	require.Equal(t, known.Body.String(), unknown.Body.String())
	require.NotNil(t, cookieByName(unknown.Result(), httpmiddleware.EmailCookie))
}

func TestResetRedeemEndpoint(t *testing.T) {
	env := newTestEnv(t)
	identity := env.seedUser(t, "jdoe", "right password")

	env.do(http.MethodPost, "/auth/token", `{"email":"`+identity.Email+`"}`, nil)
	require.NotEmpty(t, env.mailer.lastResetToken)

	w := env.do(http.MethodPost, "/user/resetPassToken", `{"jwtTokenEnc":"`+env.mailer.lastResetToken+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), identity.Email)

	w = env.do(http.MethodPost, "/user/resetPassToken", `{"jwtTokenEnc":"garbage"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestsLogThroughInjectedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	env := newTestEnvWithLogger(t, zap.New(core))

	env.do(http.MethodGet, "/auth/me", "", nil)

	entries := logs.FilterMessage("http_request").All()
	require.NotEmpty(t, entries)
	require.Equal(t, "/auth/me", entries[0].ContextMap()["path"])
}

type approveAllVerifier struct{}

func (approveAllVerifier) Verify(ctx context.Context, clientToken, remoteIP string) error {
	return nil
}

type captureMailer struct {
	lastCode       string
	lastResetToken string
}

func (m *captureMailer) SendTOTPCode(ctx context.Context, identity domain.Identity, code string, validFor time.Duration) error {
	m.lastCode = code
	return nil
}

func (m *captureMailer) SendPasswordReset(ctx context.Context, identity domain.Identity, resetToken string, validFor time.Duration) error {
	m.lastResetToken = resetToken
	return nil
}

type memoryIdentityRepo struct {
	identities map[int64]domain.Identity
}

func newMemoryIdentityRepo() *memoryIdentityRepo {
	return &memoryIdentityRepo{identities: make(map[int64]domain.Identity)}
}

func (m *memoryIdentityRepo) GetByUsername(ctx context.Context, username string) (domain.Identity, error) {
	for _, identity := range m.identities {
		if strings.EqualFold(identity.Username, username) {
			return identity, nil
		}
	}
	return domain.Identity{}, pgx.ErrNoRows
}

func (m *memoryIdentityRepo) GetByEmail(ctx context.Context, email string) (domain.Identity, error) {
	for _, identity := range m.identities {
		if strings.EqualFold(identity.Email, email) {
			return identity, nil
		}
	}
	return domain.Identity{}, pgx.ErrNoRows
}

func (m *memoryIdentityRepo) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	identity, ok := m.identities[id]
	if !ok {
		return domain.Identity{}, pgx.ErrNoRows
	}
	return identity, nil
}

func (m *memoryIdentityRepo) Create(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	if identity.ID == 0 {
		identity.ID = int64(len(m.identities) + 1)
	}
	m.identities[identity.ID] = identity
	return identity, nil
}

func (m *memoryIdentityRepo) RecordFailure(ctx context.Context, id int64, threshold int) (int, bool, error) {
	identity, ok := m.identities[id]
	if !ok {
		return 0, false, pgx.ErrNoRows
	}
	identity.FailedAttempts++
	identity.Locked = identity.Locked || identity.FailedAttempts >= threshold
	m.identities[id] = identity
	return identity.FailedAttempts, identity.Locked, nil
}

func (m *memoryIdentityRepo) RecordSuccess(ctx context.Context, id int64) error {
	identity, ok := m.identities[id]
	if !ok {
		return pgx.ErrNoRows
	}
	identity.FailedAttempts = 0
	identity.LastAttemptOK = true
	m.identities[id] = identity
	return nil
}

func (m *memoryIdentityRepo) Unlock(ctx context.Context, id int64) error {
	identity, ok := m.identities[id]
	if !ok {
		return pgx.ErrNoRows
	}
	identity.Locked = false
	identity.FailedAttempts = 0
	m.identities[id] = identity
	return nil
}

type memoryRoleRepo struct {
	assignments map[int64][]domain.Role
}

func newMemoryRoleRepo() *memoryRoleRepo {
	return &memoryRoleRepo{assignments: make(map[int64][]domain.Role)}
}

func (m *memoryRoleRepo) ListRolesForIdentity(ctx context.Context, identityID int64) ([]domain.Role, error) {
	return m.assignments[identityID], nil
}

func (m *memoryRoleRepo) AssignRole(ctx context.Context, identityID int64, roleName string) error {
	m.assignments[identityID] = append(m.assignments[identityID], domain.Role{Name: roleName})
	return nil
}

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

type memoryLimitStore struct {
	counts map[string]int
	bans   map[string]time.Duration
}

func newMemoryLimitStore() *memoryLimitStore {
	return &memoryLimitStore{counts: make(map[string]int), bans: make(map[string]time.Duration)}
}

func (s *memoryLimitStore) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	s.counts[key]++
	return s.counts[key], nil
}

func (s *memoryLimitStore) Count(ctx context.Context, key string) (int, error) {
	return s.counts[key], nil
}

func (s *memoryLimitStore) Clear(ctx context.Context, key string) error {
	delete(s.counts, key)
	return nil
}

func (s *memoryLimitStore) Ban(ctx context.Context, key string, ttl time.Duration) error {
	s.bans[key] = ttl
	return nil
}

func (s *memoryLimitStore) Banned(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, ok := s.bans[key]
	return ok, ttl, nil
}

func (s *memoryLimitStore) ClearBan(ctx context.Context, key string) error {
	delete(s.bans, key)
	return nil
}

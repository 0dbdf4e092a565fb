package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
)

// Cookie names carried between login steps. Cookies are the only state
// transport; nothing is kept server-side between requests.
const (
	CaptchaCookie = "captchaJWTToken"
	EmailCookie   = "emailJWTToken"
	TOTPCookie    = "totpJWTToken"
	SessionCookie = "sessionJWTToken"
)

const sessionContextKey = "auth_session"

// Auth validates the session cookie on protected routes.
type Auth struct {
	Issuer *token.Issuer
	Logger *zap.Logger
}

// NewAuth creates the session middleware.
func NewAuth(issuer *token.Issuer, logger *zap.Logger) *Auth {
	return &Auth{Issuer: issuer, Logger: logger}
}

// ValidateSession verifies the session cookie and stores the decoded session
// in the request context. Missing, tampered, and expired tokens all yield
// the same 401.
func (a *Auth) ValidateSession(c *gin.Context) {
	raw, err := c.Cookie(SessionCookie)
	if err != nil || raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "Authentication required.",
		})
		return
	}

	session, err := a.Issuer.VerifySession(raw)
	if err != nil {
		if a.Logger != nil {
			a.Logger.Warn("session cookie rejected", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "Session is invalid or expired.",
		})
		return
	}

	c.Set(sessionContextKey, session)
	c.Next()
}

// GetSession retrieves the session stored by ValidateSession.
func GetSession(c *gin.Context) (domain.Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return domain.Session{}, false
	}
	session, ok := v.(domain.Session)
	return session, ok
}

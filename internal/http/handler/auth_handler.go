package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
	"github.com/apkap83/b2b-tickets-auth/internal/service"
)

// AuthHandler exposes the login, challenge, and session endpoints.
type AuthHandler struct {
	Sessions   *service.SessionManager
	Captcha    *service.CaptchaGate
	Reset      *service.PasswordResetService
	Identities repository.IdentityRepository
	cfg        config.Config
	logger     *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(
	sessions *service.SessionManager,
	captchaGate *service.CaptchaGate,
	reset *service.PasswordResetService,
	identities repository.IdentityRepository,
	cfg config.Config,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		Sessions:   sessions,
		Captcha:    captchaGate,
		Reset:      reset,
		Identities: identities,
		cfg:        cfg,
		logger:     logger,
	}
}

// respondAuthError maps service errors onto the uniform error envelope. A
// rate-limit error additionally carries Retry-After.
func (h *AuthHandler) respondAuthError(c *gin.Context, err error) {
	if authErr, ok := domain.AsAuthError(err); ok {
		if authErr.Status == http.StatusTooManyRequests && authErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(authErr.RetryAfter.Seconds())))
		}
		c.JSON(authErr.Status, gin.H{
			"error":             authErr.Code,
			"error_description": authErr.Description,
		})
		return
	}
	h.logger.Error("unclassified handler failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":             "server_error",
		"error_description": "Internal server error.",
	})
}

func (h *AuthHandler) setAuthCookie(c *gin.Context, name, value string, maxAgeSeconds int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearAuthCookie(c *gin.Context, name string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// cookieValue returns the named cookie or empty when absent.
func cookieValue(c *gin.Context, name string) string {
	v, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return v
}

func sessionPayload(session domain.Session, expiresIn, warnAfter int) gin.H {
	return gin.H{
		"state":      "authenticated",
		"expires_in": expiresIn,
		"warn_after": warnAfter,
		"user": gin.H{
			"id":          session.IdentityID,
			"username":    session.Username,
			"roles":       session.Roles,
			"permissions": session.Permissions,
		},
	}
}

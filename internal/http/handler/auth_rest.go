package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/http/middleware"
	"github.com/apkap83/b2b-tickets-auth/internal/service"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
)

// CaptchaVerify validates a client captcha token and plants the captcha
// attestation cookie for the rest of the login flow.
func (h *AuthHandler) CaptchaVerify(c *gin.Context) {
	var req struct {
		CaptchaToken string `json:"captchaToken" form:"captchaToken"`
		Email        string `json:"email" form:"email"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid captcha request."})
		return
	}

	held := cookieValue(c, middleware.CaptchaCookie)
	attestation, err := h.Captcha.Check(c.Request.Context(), req.CaptchaToken, held, req.Email, c.ClientIP())
	if err != nil {
		h.respondAuthError(c, err)
		return
	}

	h.setAuthCookie(c, middleware.CaptchaCookie, attestation, int(h.cfg.AttestationTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ResetRequest issues a password-reset attestation. The response is
// identical whether or not the email maps to an account.
func (h *AuthHandler) ResetRequest(c *gin.Context) {
	var req struct {
		Email string `json:"email" form:"email"`
	}
	if err := c.ShouldBind(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Email is required."})
		return
	}

	attestation, err := h.Reset.Request(c.Request.Context(), req.Email, c.ClientIP())
	if err != nil {
		h.respondAuthError(c, err)
		return
	}

	h.setAuthCookie(c, middleware.EmailCookie, attestation, int(h.cfg.AttestationTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "If the account exists, instructions were sent."})
}

// ResetRedeem verifies a password-reset attestation and returns the
// associated email for the reset form.
func (h *AuthHandler) ResetRedeem(c *gin.Context) {
	var req struct {
		Token string `json:"jwtTokenEnc" form:"jwtTokenEnc"`
	}
	if err := c.ShouldBind(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Reset token is required."})
		return
	}

	email, err := h.Reset.Redeem(c.Request.Context(), req.Token)
	if err != nil {
		h.respondAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": email})
}

// Login drives one credential submission through the login state machine.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username     string `json:"userName" form:"userName"`
		Password     string `json:"password" form:"password"`
		CaptchaToken string `json:"captchaToken" form:"captchaToken"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid login request."})
		return
	}

	result, err := h.Sessions.Login(c.Request.Context(), service.LoginRequest{
		Username:           req.Username,
		Password:           req.Password,
		CaptchaToken:       req.CaptchaToken,
		CaptchaAttestation: cookieValue(c, middleware.CaptchaCookie),
		Source:             c.ClientIP(),
	})
	if err != nil {
		h.respondAuthError(c, err)
		return
	}

	if result.CaptchaAttestation != "" {
		h.setAuthCookie(c, middleware.CaptchaCookie, result.CaptchaAttestation, int(h.cfg.AttestationTTL.Seconds()))
	}

	switch result.State {
	case service.StateCaptchaPending:
		c.JSON(http.StatusOK, gin.H{"state": service.StateCaptchaPending})

	case service.StateOTPPending:
		c.JSON(http.StatusOK, gin.H{
			"state":          service.StateOTPPending,
			"otp_expires_in": result.OTPExpiresIn,
		})

	default:
		h.setAuthCookie(c, middleware.SessionCookie, result.SessionToken, result.SessionExpiresIn)
		c.JSON(http.StatusOK, sessionPayload(result.Session, result.SessionExpiresIn, result.WarnAfter))
	}
}

// TOTPVerify completes a pending one-time-code challenge and issues the
// session cookie.
func (h *AuthHandler) TOTPVerify(c *gin.Context) {
	var req struct {
		Email string `json:"emailProvided" form:"emailProvided"`
		Code  string `json:"totpCode" form:"totpCode"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid verification request."})
		return
	}

	result, err := h.Sessions.CompleteOTP(c.Request.Context(), req.Email, req.Code, c.ClientIP())
	if err != nil {
		h.respondAuthError(c, err)
		return
	}

	h.setAuthCookie(c, middleware.TOTPCookie, result.OTPAttestation, int(h.cfg.AttestationTTL.Seconds()))
	h.setAuthCookie(c, middleware.SessionCookie, result.SessionToken, result.SessionExpiresIn)
	c.JSON(http.StatusOK, sessionPayload(result.Session, result.SessionExpiresIn, result.WarnAfter))
}

// Clear tears down an in-progress login. At least one presented cookie must
// hold a genuine signed token; otherwise the request is rejected without
// revealing which cookies were bad.
func (h *AuthHandler) Clear(c *gin.Context) {
	presented := map[token.Purpose]string{
		token.PurposeCaptcha:       cookieValue(c, middleware.CaptchaCookie),
		token.PurposePasswordReset: cookieValue(c, middleware.EmailCookie),
		token.PurposeOTP:           cookieValue(c, middleware.TOTPCookie),
		token.PurposeSession:       cookieValue(c, middleware.SessionCookie),
	}

	if err := h.Sessions.Logout(c.Request.Context(), presented, c.ClientIP()); err != nil {
		h.respondAuthError(c, err)
		return
	}

	for _, name := range []string{middleware.CaptchaCookie, middleware.EmailCookie, middleware.TOTPCookie, middleware.SessionCookie} {
		h.clearAuthCookie(c, name)
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// Logout ends an authenticated session. Same teardown as Clear; the route
// sits behind the session middleware so only live sessions reach it.
func (h *AuthHandler) Logout(c *gin.Context) {
	h.Clear(c)
}

// ExtendSession pushes the session expiry forward within the configured
// maximum lifetime and re-issues the cookie.
func (h *AuthHandler) ExtendSession(c *gin.Context) {
	raw := cookieValue(c, middleware.SessionCookie)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
		return
	}

	result, err := h.Sessions.Extend(c.Request.Context(), raw)
	if err != nil {
		h.respondAuthError(c, err)
		return
	}

	h.setAuthCookie(c, middleware.SessionCookie, result.SessionToken, result.SessionExpiresIn)
	c.JSON(http.StatusOK, sessionPayload(result.Session, result.SessionExpiresIn, result.WarnAfter))
}

// Me returns the profile of the authenticated identity.
func (h *AuthHandler) Me(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
		return
	}

	view := service.IdentityView{
		ID:       session.IdentityID,
		Username: session.Username,
		Roles:    session.Roles,
	}
	if identity, err := h.Identities.GetByID(c.Request.Context(), session.IdentityID); err == nil {
		view.DisplayName = identity.DisplayName
		view.Email = identity.Email
	} else {
		h.logger.Warn("profile lookup failed", zap.Int64("identity_id", session.IdentityID), zap.Error(err))
	}

	c.JSON(http.StatusOK, view)
}

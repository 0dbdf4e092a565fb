package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
	"github.com/apkap83/b2b-tickets-auth/internal/http/handler"
	httpmiddleware "github.com/apkap83/b2b-tickets-auth/internal/http/middleware"
	"github.com/apkap83/b2b-tickets-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/captcha", authHandler.CaptchaVerify)
		authGroup.POST("/token", authHandler.ResetRequest)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/totp", authHandler.TOTPVerify)
		authGroup.POST("/clear", authHandler.Clear)

		authGroup.POST("/session/extend", authMiddleware.ValidateSession, authHandler.ExtendSession)
		authGroup.POST("/logout", authMiddleware.ValidateSession, authHandler.Logout)
		authGroup.GET("/me", authMiddleware.ValidateSession, authHandler.Me)
	}

	user := r.Group("/user")
	{
		user.POST("/resetPassToken", authHandler.ResetRedeem)
	}

	return r
}

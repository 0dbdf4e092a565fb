package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/apkap83/b2b-tickets-auth/internal/adapter/cache"
	captchaadapter "github.com/apkap83/b2b-tickets-auth/internal/adapter/captcha"
	"github.com/apkap83/b2b-tickets-auth/internal/bootstrap"
	"github.com/apkap83/b2b-tickets-auth/internal/config"
	httptransport "github.com/apkap83/b2b-tickets-auth/internal/http"
	"github.com/apkap83/b2b-tickets-auth/internal/http/handler"
	httpmiddleware "github.com/apkap83/b2b-tickets-auth/internal/http/middleware"
	"github.com/apkap83/b2b-tickets-auth/internal/mailer"
	apimiddleware "github.com/apkap83/b2b-tickets-auth/internal/middleware"
	"github.com/apkap83/b2b-tickets-auth/internal/ratelimit"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
	"github.com/apkap83/b2b-tickets-auth/internal/server"
	"github.com/apkap83/b2b-tickets-auth/internal/service"
	"github.com/apkap83/b2b-tickets-auth/internal/telemetry"
	"github.com/apkap83/b2b-tickets-auth/internal/token"
	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newIdentityRepository,
			newRoleRepository,
			newAttemptStore,
			newChallengeStore,
			newAttemptLimiter,
			newCaptchaVerifier,
			newMailer,
			newTokenIssuer,
			newTOTPEngine,
			newBypassGuard,
			service.NewCredentialVerifier,
			newCaptchaGate,
			service.NewSessionManager,
			service.NewPasswordResetService,
			handler.NewAuthHandler,
			newAuthMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newIdentityRepository(pool *pgxpool.Pool) repository.IdentityRepository {
	return repository.NewPostgresIdentityRepo(pool)
}

func newRoleRepository(pool *pgxpool.Pool) repository.RoleRepository {
	return repository.NewPostgresRoleRepo(pool)
}

func newAttemptStore(client redis.UniversalClient) ratelimit.AttemptStore {
	return cacheadapter.NewRedisAttemptStore(client)
}

func newChallengeStore(client redis.UniversalClient) totp.ChallengeStore {
	return cacheadapter.NewRedisChallengeStore(client)
}

func newAttemptLimiter(store ratelimit.AttemptStore, cfg config.Config) *ratelimit.Limiter {
	return ratelimit.NewLimiter(store, cfg.TOTPMaxAttempts, cfg.TOTPBanTTL, cfg.TOTPBanTTL)
}

func newCaptchaVerifier(cfg config.Config) captchaadapter.Verifier {
	return captchaadapter.NewHTTPVerifier(nil, cfg.CaptchaVerifyURL, cfg.CaptchaSecret, cfg.CaptchaTimeout)
}

func newMailer(cfg config.Config, logger *zap.Logger) mailer.Mailer {
	if cfg.SMTPAddr == "" {
		return mailer.NewLogMailer(logger)
	}
	return mailer.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass)
}

func newTokenIssuer(cfg config.Config) *token.Issuer {
	return token.NewIssuer(cfg.SigningSecret, cfg.ServiceName)
}

func newTOTPEngine(store totp.ChallengeStore, limiter *ratelimit.Limiter, sender mailer.Mailer, cfg config.Config, logger *zap.Logger) *totp.Engine {
	return totp.NewEngine(store, limiter, sender, cfg.TOTPSecretKey, totp.Options{
		Digits:       cfg.TOTPDigits,
		Period:       cfg.TOTPPeriod,
		ChallengeTTL: cfg.AttestationTTL,
	}, logger)
}

func newBypassGuard(roles repository.RoleRepository, cfg config.Config, logger *zap.Logger) *service.AdminBypassGuard {
	return service.NewAdminBypassGuard(roles, cfg.AdminBypassEnabled, cfg.AdminUsername, logger)
}

func newCaptchaGate(verifier captchaadapter.Verifier, issuer *token.Issuer, cfg config.Config, logger *zap.Logger) *service.CaptchaGate {
	return service.NewCaptchaGate(verifier, issuer, cfg.AttestationTTL, logger)
}

func newAuthMiddleware(issuer *token.Issuer, logger *zap.Logger) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(issuer, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}

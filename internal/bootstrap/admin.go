package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/config"
	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/password"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
	"github.com/apkap83/b2b-tickets-auth/internal/totp"
)

// EnsureAdmin creates the distinguished admin identity for dev/e2e if missing.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, identities repository.IdentityRepository, roles repository.RoleRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, identities, roles, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, identities repository.IdentityRepository, roles repository.RoleRepository, node *snowflake.Node, logger *zap.Logger) error {
	username := strings.TrimSpace(cfg.AdminUsername)
	if username == "" || strings.TrimSpace(cfg.AdminPassword) == "" || cfg.AdminEmail == "" {
		if logger != nil {
			logger.Info("admin bootstrap skipped, config incomplete")
		}
		return nil
	}

	if existing, err := identities.GetByUsername(ctx, username); err == nil {
		// Role assignment is idempotent; repair it even when the identity
		// already exists.
		if err := roles.AssignRole(ctx, existing.ID, domain.AdminRoleName); err != nil {
			return fmt.Errorf("bootstrap assign admin role: %w", err)
		}
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("bootstrap lookup admin: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	sealed, err := totp.GenerateSecret(cfg.TOTPSecretKey, cfg.ServiceName, cfg.AdminEmail)
	if err != nil {
		return fmt.Errorf("bootstrap generate totp secret: %w", err)
	}

	identity := domain.Identity{
		ID:                  node.Generate().Int64(),
		Username:            username,
		DisplayName:         "Administrator",
		Email:               cfg.AdminEmail,
		PasswordHash:        hashed,
		AuthType:            domain.AuthTypeLocal,
		MFAMethod:           domain.MFAMethodEmail,
		EncryptedTOTPSecret: sealed,
		Active:              true,
	}

	created, err := identities.Create(ctx, identity)
	if err != nil {
		return fmt.Errorf("bootstrap create admin: %w", err)
	}

	if err := roles.AssignRole(ctx, created.ID, domain.AdminRoleName); err != nil {
		return fmt.Errorf("bootstrap assign admin role: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin identity created",
			zap.String("username", created.Username),
			zap.Int64("identity_id", created.ID),
		)
	}
	return nil
}

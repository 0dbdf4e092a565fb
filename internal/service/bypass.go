package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
	"github.com/apkap83/b2b-tickets-auth/internal/repository"
)

// AdminBypassGuard decides whether the distinguished admin account skips
// the second factor. Role membership is always re-read from the
// authoritative store; the caller's claims are never trusted. The bypass
// itself is configurable and off means every account takes the OTP path.
type AdminBypassGuard struct {
	roles         repository.RoleRepository
	enabled       bool
	adminUsername string
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewAdminBypassGuard wires dependencies.
func NewAdminBypassGuard(roles repository.RoleRepository, enabled bool, adminUsername string, logger *zap.Logger) *AdminBypassGuard {
	return &AdminBypassGuard{
		roles:         roles,
		enabled:       enabled,
		adminUsername: adminUsername,
		logger:        logger,
		tracer:        otel.Tracer("github.com/apkap83/b2b-tickets-auth/internal/service"),
	}
}

// Applies reports whether the identity is a candidate for the bypass at
// all. Only the configured distinguished login name qualifies.
func (g *AdminBypassGuard) Applies(identity domain.Identity) bool {
	if g == nil || !g.enabled {
		return false
	}
	return strings.EqualFold(identity.Username, g.adminUsername)
}

// Evaluate grants or refuses the bypass for a candidate identity that has
// already passed password verification. A refusal means the attempt is
// treated as invalid credentials, not merely "second factor required":
// registering an account named like the admin must gain nothing.
func (g *AdminBypassGuard) Evaluate(ctx context.Context, identity domain.Identity) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "AdminBypassGuard.Evaluate")
	defer span.End()

	roles, err := g.roles.ListRolesForIdentity(ctx, identity.ID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("refetch roles: %w", err)
	}

	for _, role := range roles {
		if role.Name == domain.AdminRoleName {
			// Mandatory, non-suppressible audit trail for every use of
			// the bypass path.
			g.logger.Info("audit",
				zap.String("event", "admin.totp_bypass.used"),
				zap.Int64("identity_id", identity.ID),
				zap.Time("timestamp", time.Now().UTC()),
				zap.Bool("bypass_used", true),
			)
			return true, nil
		}
	}

	g.logger.Error("SECURITY ALERT: admin-named account without Admin role attempted login",
		zap.String("event", "admin.totp_bypass.refused"),
		zap.Int64("identity_id", identity.ID),
		zap.String("username", identity.Username),
		zap.Time("timestamp", time.Now().UTC()),
	)
	return false, nil
}

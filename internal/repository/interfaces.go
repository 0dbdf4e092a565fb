package repository

import (
	"context"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
)

// IdentityRepository exposes persistence for login-capable accounts.
//
// RecordFailure and RecordSuccess mutate exactly the one row matched by the
// identity's primary key; lookups by non-unique attributes never drive
// counter or lock updates.
type IdentityRepository interface {
	GetByUsername(ctx context.Context, username string) (domain.Identity, error)
	GetByEmail(ctx context.Context, email string) (domain.Identity, error)
	GetByID(ctx context.Context, id int64) (domain.Identity, error)
	Create(ctx context.Context, identity domain.Identity) (domain.Identity, error)

	// RecordFailure atomically increments the failure counter and sets the
	// lock flag when the counter reaches threshold. Returns the post-update
	// counter and lock state.
	RecordFailure(ctx context.Context, id int64, threshold int) (attempts int, locked bool, err error)

	// RecordSuccess resets the failure counter to zero and stamps the
	// successful attempt.
	RecordSuccess(ctx context.Context, id int64) error

	Unlock(ctx context.Context, id int64) error
}

// RoleRepository reads role assignments from the authoritative store.
// Privileged decisions always re-fetch through this interface instead of
// trusting caller-supplied claims.
type RoleRepository interface {
	ListRolesForIdentity(ctx context.Context, identityID int64) ([]domain.Role, error)
	AssignRole(ctx context.Context, identityID int64, roleName string) error
}

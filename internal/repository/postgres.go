package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ RoleRepository     = (*PostgresRoleRepo)(nil)
)

const identityColumns = `id, username, display_name, email, password_hash, auth_type,
	locked, failed_attempts, last_attempt_at, last_attempt_ok, mfa_method, mfa_exempt,
	totp_secret_enc, active, created_at, updated_at`

// PostgresIdentityRepo implements IdentityRepository on pgx.
type PostgresIdentityRepo struct {
	db *pgxpool.Pool
}

func NewPostgresIdentityRepo(pool *pgxpool.Pool) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: pool}
}

func (r *PostgresIdentityRepo) GetByUsername(ctx context.Context, username string) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM identities WHERE username = $1`, identityColumns)
	return r.scanOne(ctx, query, username)
}

func (r *PostgresIdentityRepo) GetByEmail(ctx context.Context, email string) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM identities WHERE email = $1`, identityColumns)
	return r.scanOne(ctx, query, email)
}

func (r *PostgresIdentityRepo) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM identities WHERE id = $1`, identityColumns)
	return r.scanOne(ctx, query, id)
}

func (r *PostgresIdentityRepo) scanOne(ctx context.Context, query string, arg any) (domain.Identity, error) {
	var ident domain.Identity
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&ident.ID,
		&ident.Username,
		&ident.DisplayName,
		&ident.Email,
		&ident.PasswordHash,
		&ident.AuthType,
		&ident.Locked,
		&ident.FailedAttempts,
		&ident.LastAttemptAt,
		&ident.LastAttemptOK,
		&ident.MFAMethod,
		&ident.MFAExempt,
		&ident.EncryptedTOTPSecret,
		&ident.Active,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return ident, nil
}

const insertIdentitySQL = `INSERT INTO identities
	(id, username, display_name, email, password_hash, auth_type, locked,
	 failed_attempts, mfa_method, mfa_exempt, totp_secret_enc, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, false, 0, $7, $8, $9, $10, now(), now())`

func (r *PostgresIdentityRepo) Create(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	_, err := r.db.Exec(ctx, insertIdentitySQL,
		identity.ID,
		identity.Username,
		identity.DisplayName,
		identity.Email,
		identity.PasswordHash,
		identity.AuthType,
		identity.MFAMethod,
		identity.MFAExempt,
		identity.EncryptedTOTPSecret,
		identity.Active,
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	return r.GetByID(ctx, identity.ID)
}

// recordFailureSQL increments and locks in one statement so concurrent
// failures observe a consistent counter. Scoped by primary key only. An
// already-set lock flag is preserved: it stays true until explicitly
// cleared, even when the counter is below the threshold.
const recordFailureSQL = `UPDATE identities
SET failed_attempts = failed_attempts + 1,
    locked = locked OR (failed_attempts + 1 >= $2),
    last_attempt_at = $3,
    last_attempt_ok = false,
    updated_at = now()
WHERE id = $1
RETURNING failed_attempts, locked`

func (r *PostgresIdentityRepo) RecordFailure(ctx context.Context, id int64, threshold int) (int, bool, error) {
	var attempts int
	var locked bool
	err := r.db.QueryRow(ctx, recordFailureSQL, id, threshold, time.Now().UTC()).Scan(&attempts, &locked)
	if err != nil {
		return 0, false, fmt.Errorf("record failure: %w", err)
	}
	return attempts, locked, nil
}

const recordSuccessSQL = `UPDATE identities
SET failed_attempts = 0,
    last_attempt_at = $2,
    last_attempt_ok = true,
    updated_at = now()
WHERE id = $1`

func (r *PostgresIdentityRepo) RecordSuccess(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, recordSuccessSQL, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

const unlockSQL = `UPDATE identities
SET locked = false, failed_attempts = 0, updated_at = now()
WHERE id = $1`

func (r *PostgresIdentityRepo) Unlock(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, unlockSQL, id); err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}
	return nil
}

// PostgresRoleRepo implements RoleRepository on pgx.
type PostgresRoleRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRoleRepo(pool *pgxpool.Pool) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: pool}
}

const listRolesSQL = `SELECT r.id, r.name, r.permissions, r.created_at
FROM roles r
JOIN role_assignments ra ON ra.role_id = r.id
WHERE ra.identity_id = $1`

func (r *PostgresRoleRepo) ListRolesForIdentity(ctx context.Context, identityID int64) ([]domain.Role, error) {
	rows, err := r.db.Query(ctx, listRolesSQL, identityID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Permissions, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

const assignRoleSQL = `INSERT INTO role_assignments (identity_id, role_id, created_at)
SELECT $1, r.id, now() FROM roles r WHERE r.name = $2
ON CONFLICT DO NOTHING`

func (r *PostgresRoleRepo) AssignRole(ctx context.Context, identityID int64, roleName string) error {
	tag, err := r.db.Exec(ctx, assignRoleSQL, identityID, roleName)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the role does not exist or the assignment already does.
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM roles WHERE name = $1)`, roleName).Scan(&exists); err != nil {
			return fmt.Errorf("check role: %w", err)
		}
		if !exists {
			return fmt.Errorf("assign role: %w", pgx.ErrNoRows)
		}
	}
	return nil
}

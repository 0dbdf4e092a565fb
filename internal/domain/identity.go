package domain

import "time"

// AuthType distinguishes locally stored credentials from federated accounts.
type AuthType string

const (
	AuthTypeLocal     AuthType = "LOCAL"
	AuthTypeFederated AuthType = "FEDERATED"
)

// MFAMethod selects the delivery channel for one-time codes.
type MFAMethod string

const (
	MFAMethodEmail  MFAMethod = "email"
	MFAMethodMobile MFAMethod = "mobile"
)

// Identity represents a login-capable account.
type Identity struct {
	ID                  int64
	Username            string
	DisplayName         string
	Email               string
	PasswordHash        string
	AuthType            AuthType
	Locked              bool
	FailedAttempts      int
	LastAttemptAt       *time.Time
	LastAttemptOK       bool
	MFAMethod           MFAMethod
	MFAExempt           bool
	EncryptedTOTPSecret []byte
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Role is a named privilege grouping.
type Role struct {
	ID          int64
	Name        string
	Permissions []string
	CreatedAt   time.Time
}

// RoleAssignment links an identity to a role. Assignments are always
// re-read from the store when a privileged decision depends on them.
type RoleAssignment struct {
	ID         int64
	IdentityID int64
	RoleID     int64
	CreatedAt  time.Time
}

// AdminRoleName is the distinguished role checked by the bypass guard.
const AdminRoleName = "Admin"

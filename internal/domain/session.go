package domain

import "time"

// Session is the product of a fully completed login. It lives only inside
// the signed session cookie; the server keeps no parallel copy.
type Session struct {
	IdentityID  int64
	Username    string
	Roles       []string
	Permissions []string
	LoginAt     time.Time
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session has passed its absolute expiry.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MaxExpiry returns the hard ceiling for any extension of this session.
func (s Session) MaxExpiry(maxLifetime time.Duration) time.Time {
	return s.LoginAt.Add(maxLifetime)
}

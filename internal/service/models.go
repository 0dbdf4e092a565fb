package service

import "github.com/apkap83/b2b-tickets-auth/internal/domain"

// VerifyOutcome is the result of credential verification.
type VerifyOutcome int

const (
	OutcomeAuthenticated VerifyOutcome = iota
	OutcomeInvalidCredentials
	OutcomeAccountLocked
	OutcomeNoSecondFactorNeeded
	OutcomeSecondFactorRequired
)

func (o VerifyOutcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeAccountLocked:
		return "account_locked"
	case OutcomeNoSecondFactorNeeded:
		return "no_second_factor_needed"
	default:
		return "second_factor_required"
	}
}

// Login state machine positions surfaced to clients.
const (
	StateAuthenticated  = "authenticated"
	StateCaptchaPending = "captcha_pending"
	StateOTPPending     = "otp_pending"
)

// LoginRequest carries one credential submission.
type LoginRequest struct {
	Username           string
	Password           string
	CaptchaToken       string
	CaptchaAttestation string
	Source             string
}

// LoginResult is the outcome of a login step. Exactly one of the pending
// states or the session fields is populated.
type LoginResult struct {
	State              string
	SessionToken       string
	Session            domain.Session
	CaptchaAttestation string
	OTPExpiresIn       int
	SessionExpiresIn   int
	WarnAfter          int
}

// SessionResult is returned by OTP completion and session extension.
type SessionResult struct {
	SessionToken     string
	OTPAttestation   string
	Session          domain.Session
	SessionExpiresIn int
	WarnAfter        int
}

// IdentityView is the lightweight profile returned to clients.
type IdentityView struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

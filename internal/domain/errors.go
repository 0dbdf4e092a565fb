package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AuthError standardizes error payloads across the auth surface. The
// Description is safe to return to clients; anything more specific stays
// in server logs.
type AuthError struct {
	Code        string
	Description string
	Status      int
	RetryAfter  time.Duration
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewValidationError reports malformed input.
func NewValidationError(desc string) *AuthError {
	return &AuthError{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
}

// NewAuthenticationError covers bad credentials and bad token signatures.
// All identity-existence and credential-correctness failures collapse to
// this one message so responses cannot be used for account enumeration.
func NewAuthenticationError() *AuthError {
	return &AuthError{Code: "invalid_credentials", Description: "Invalid username or password.", Status: http.StatusUnauthorized}
}

// NewTokenError is the generic response for unverifiable signed tokens.
func NewTokenError() *AuthError {
	return &AuthError{Code: "invalid_token", Description: "Invalid or expired token.", Status: http.StatusUnauthorized}
}

// NewAuthorizationError covers locked or inactive accounts and role mismatches.
func NewAuthorizationError(desc string) *AuthError {
	return &AuthError{Code: "forbidden", Description: desc, Status: http.StatusForbidden}
}

// NewNotFoundError reports an unknown resource.
func NewNotFoundError(desc string) *AuthError {
	return &AuthError{Code: "not_found", Description: desc, Status: http.StatusNotFound}
}

// NewRateLimitError carries retry-after semantics for 429 responses.
func NewRateLimitError(retryAfter time.Duration) *AuthError {
	return &AuthError{
		Code:        "rate_limited",
		Description: fmt.Sprintf("Too many attempts. Try again in %d minutes.", int(retryAfter.Minutes())+1),
		Status:      http.StatusTooManyRequests,
		RetryAfter:  retryAfter,
	}
}

// NewInternalError hides unexpected failures behind a uniform message.
func NewInternalError() *AuthError {
	return &AuthError{Code: "internal_error", Description: "Unexpected error.", Status: http.StatusInternalServerError}
}

// AsAuthError unwraps err into an AuthError when possible.
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

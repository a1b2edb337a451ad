package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	"atlasvet/backend/internal/mfa"
)

// Sentinel errors for the login service; the HTTP handler maps them to status codes.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidCode            = errors.New("incorrect or expired code")
	ErrRateLimited            = errors.New("too many attempts")
	ErrLocked                 = errors.New("account temporarily locked")
	ErrIntentExpired          = errors.New("login expired; sign in again")
	ErrNotClinicMember        = errors.New("account is not a member of the clinic")
	ErrNoClinic               = errors.New("account has no clinic")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidRefreshToken    = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse      = errors.New("refresh token reuse detected; all sessions revoked")
	ErrDeviceNotFound         = errors.New("device not found")
	// ErrDeliveryFailed means the sign-in code could not be emailed.
	ErrDeliveryFailed = mfa.ErrDeliveryFailed
)

// RetryError is returned while a key is rate-limited or locked. It unwraps to ErrRateLimited or ErrLocked.
type RetryError struct {
	Kind       error
	RetryAfter time.Time
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v until %s", e.Kind, e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *RetryError) Unwrap() error { return e.Kind }

// MinutesRemaining rounds the wait up to whole minutes, at least 1.
func (e *RetryError) MinutesRemaining(now time.Time) int {
	m := int(math.Ceil(e.RetryAfter.Sub(now).Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

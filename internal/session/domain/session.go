package domain

import "time"

// Session is an authenticated session in one clinic, optionally tied to a device session.
type Session struct {
	ID               string
	AccountID        string
	ClinicID         string
	DeviceSessionID  string // empty when the login carried no device metadata
	ExpiresAt        time.Time
	RevokedAt        *time.Time // nil when not revoked
	LastSeenAt       *time.Time
	IPAddress        string
	RefreshJti       string // current refresh token jti for rotation
	RefreshTokenHash string // SHA-256 hash of current refresh token
	CreatedAt        time.Time
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

package domain

import "time"

// Challenge is a live emailed code for an account (mfa_challenges table).
type Challenge struct {
	ID        string
	AccountID string
	CodeHash  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the challenge can no longer be used at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// BackupCode is a single-use recovery code. Only its hash is stored.
type BackupCode struct {
	ID        string
	AccountID string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

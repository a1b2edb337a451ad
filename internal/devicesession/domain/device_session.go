package domain

import (
	"strings"
	"time"
)

// DeviceSession is one signed-in device or browser for an account.
type DeviceSession struct {
	ID           string
	AccountID    string
	DeviceName   string
	Fingerprint  string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Revoked      bool
	RevokedAt    *time.Time
	RevokedBy    string // account id of the actor; empty when not revoked
	IPAddress    string
	UserAgent    string
	TrustedUntil *time.Time // nil unless the device completed MFA with remember-device
}

// IsActive reports whether the row counts toward the device cap at now.
func (d *DeviceSession) IsActive(now time.Time, window time.Duration) bool {
	return d != nil && !d.Revoked && !d.LastActiveAt.Before(now.Add(-window))
}

// IsTrusted reports whether the server recorded a still-valid remember-device for this row.
func (d *DeviceSession) IsTrusted(now time.Time) bool {
	return d != nil && !d.Revoked && d.TrustedUntil != nil && now.Before(*d.TrustedUntil)
}

// Metadata is what the client reports about the device at login.
type Metadata struct {
	Fingerprint string
	Name        string
	IP          string
	UserAgent   string
}

// Present reports whether enough metadata was collected to record a device row.
func (m Metadata) Present() bool {
	return strings.TrimSpace(m.Fingerprint) != ""
}

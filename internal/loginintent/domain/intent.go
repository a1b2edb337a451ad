// Package domain holds the login intent: a short-lived server-side record of a login that stopped
// before tokens were issued (pending MFA, device limit or clinic selection).
package domain

import "time"

// Stage is where a paused login waits.
type Stage string

const (
	StageMFA             Stage = "mfa"
	StageDeviceLimit     Stage = "device_limit"
	StageClinicSelection Stage = "clinic_selection"
)

// Intent binds a paused login to an account and the device it came from.
type Intent struct {
	ID          string
	AccountID   string
	Stage       Stage
	MFAPassed   bool
	ChallengeID string

	DeviceFingerprint string
	DeviceName        string
	DeviceIP          string
	DeviceUserAgent   string

	RememberDevice bool
	RememberMe     bool
	// ClinicID is set once a clinic has been chosen or was requested at login.
	ClinicID  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the intent can no longer be resumed at now.
func (i *Intent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

package domain

import (
	"errors"
	"strings"
	"time"
)

// Account is a clinician login. Email is stored lower-cased.
type Account struct {
	ID               string
	Email            string
	Name             string
	PasswordHash     string
	MFARequired      bool
	Role             string
	Plan             string
	DeviceCap        int // -1 means unlimited
	Status           Status
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// UnlimitedDevices is the DeviceCap value that disables the device cap.
const UnlimitedDevices = -1

// Validate validates the account for persistence and fills defaults. Returns the first validation failure.
func (a *Account) Validate() error {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.Email == "" {
		return errors.New("email is required")
	}
	if a.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if a.DeviceCap == 0 || a.DeviceCap < UnlimitedDevices {
		return errors.New("device cap must be -1 or positive")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Role == "" {
		a.Role = "clinician"
	}
	if a.Plan == "" {
		a.Plan = "free"
	}
	return nil
}

// Active reports whether the account may sign in.
func (a *Account) Active() bool {
	return a != nil && a.Status == StatusActive
}

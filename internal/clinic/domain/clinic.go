package domain

import (
	"errors"
	"time"
)

// Clinic is a practice an account works in.
type Clinic struct {
	ID         string
	Name       string
	RequireMFA bool
	Status     Status
	CreatedAt  time.Time
}

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Validate validates the clinic for persistence. Returns an error describing the first validation failure.
func (c *Clinic) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	return nil
}

// Membership links an account to a clinic with a role.
type Membership struct {
	ID        string
	AccountID string
	ClinicID  string
	Role      Role
	CreatedAt time.Time
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// IsAdmin reports whether the role may administer the clinic.
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}

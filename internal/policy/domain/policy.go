package domain

import "time"

// Policy is a clinic-specific Rego module deciding when sign-in needs a second factor.
type Policy struct {
	ID        string
	ClinicID  string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

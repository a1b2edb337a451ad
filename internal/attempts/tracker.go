// Package attempts counts failed password and code submissions and derives rate-limit and lockout state.
package attempts

import (
	"context"
	"strings"
	"time"
)

// Scope separates password failures from code failures so each has its own budget.
type Scope string

const (
	ScopePassword Scope = "password"
	ScopeOTP      Scope = "otp"
)

// Status is the current throttle state for a key. RetryAfter is zero when neither flag is set.
type Status struct {
	Limited    bool
	Locked     bool
	RetryAfter time.Time
}

// Blocked reports whether submissions must be refused.
func (s Status) Blocked() bool {
	return s.Limited || s.Locked
}

// Tracker records failures per key and scope. Keys are account ids, or the normalized email
// when no account matched so unknown addresses are throttled the same way.
type Tracker interface {
	// RecordFailure counts one failure and returns the state after counting it.
	RecordFailure(ctx context.Context, key string, scope Scope) (Status, error)
	// Check returns the current state without changing it.
	Check(ctx context.Context, key string, scope Scope) (Status, error)
	// Reset clears counters after a success.
	Reset(ctx context.Context, key string, scope Scope) error
}

// Policy holds the thresholds. A key is rate-limited for Window once MaxFailures land inside one Window,
// and locked for LockoutWindow once LockoutThreshold land inside one LockoutWindow.
type Policy struct {
	MaxFailures      int
	Window           time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
}

// DefaultPolicy is 5 failures per 15 minutes, 10 per hour for lockout.
func DefaultPolicy() Policy {
	return Policy{MaxFailures: 5, Window: 15 * time.Minute, LockoutThreshold: 10, LockoutWindow: time.Hour}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxFailures <= 0 {
		p.MaxFailures = d.MaxFailures
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.LockoutThreshold <= 0 {
		p.LockoutThreshold = d.LockoutThreshold
	}
	if p.LockoutWindow <= 0 {
		p.LockoutWindow = d.LockoutWindow
	}
	return p
}

// counters are fixed-window counts shared by the memory and Postgres trackers.
type counters struct {
	WindowStart     time.Time
	Failures        int
	LockWindowStart time.Time
	LockFailures    int
	LimitedUntil    time.Time
	LockedUntil     time.Time
}

func (p Policy) record(c counters, now time.Time) counters {
	if c.WindowStart.IsZero() || !now.Before(c.WindowStart.Add(p.Window)) {
		c.WindowStart, c.Failures = now, 0
	}
	if c.LockWindowStart.IsZero() || !now.Before(c.LockWindowStart.Add(p.LockoutWindow)) {
		c.LockWindowStart, c.LockFailures = now, 0
	}
	c.Failures++
	c.LockFailures++
	if c.Failures >= p.MaxFailures {
		c.LimitedUntil = now.Add(p.Window)
	}
	if c.LockFailures >= p.LockoutThreshold {
		c.LockedUntil = now.Add(p.LockoutWindow)
	}
	return c
}

func (c counters) status(now time.Time) Status {
	if now.Before(c.LockedUntil) {
		return Status{Locked: true, RetryAfter: c.LockedUntil}
	}
	if now.Before(c.LimitedUntil) {
		return Status{Limited: true, RetryAfter: c.LimitedUntil}
	}
	return Status{}
}

// NormalizeKey lower-cases and trims so "Vet@Clinic.com " and "vet@clinic.com" share a budget.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

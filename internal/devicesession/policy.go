// Package devicesession enforces the per-account device cap and manages signed-in devices.
package devicesession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlasvet/backend/internal/devicesession/domain"
	"atlasvet/backend/internal/devicesession/repository"
)

// DefaultActiveWindow is how long after its last activity a device still counts toward the cap.
const DefaultActiveWindow = 7 * 24 * time.Hour

// ErrDeviceNotFound is returned when the device session does not exist or belongs to another account.
var ErrDeviceNotFound = errors.New("device session not found")

// ErrDeviceRevoked is returned by Touch when the device session is revoked or gone.
var ErrDeviceRevoked = errors.New("device session revoked")

// SessionRevoker revokes authenticated sessions bound to device sessions.
type SessionRevoker interface {
	RevokeByDeviceSessions(ctx context.Context, deviceSessionIDs []string) error
}

// Admission is the outcome of CheckAdmission. ActiveDevices is always filled so a blocked caller can show it.
type Admission struct {
	Admitted      bool
	ActiveDevices []*domain.DeviceSession
}

// Policy decides whether a new device may sign in and records devices that do.
type Policy struct {
	repo     repository.Repository
	sessions SessionRevoker
	window   time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewPolicy returns a device policy. window <= 0 uses DefaultActiveWindow; sessions may be nil.
func NewPolicy(repo repository.Repository, sessions SessionRevoker, window time.Duration, log *zap.Logger) *Policy {
	if window <= 0 {
		window = DefaultActiveWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{repo: repo, sessions: sessions, window: window, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// SetClock replaces the time source. For tests.
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

// CheckAdmission counts the account's active devices and admits iff cap is -1 or the count is below cap.
func (p *Policy) CheckAdmission(ctx context.Context, accountID string, cap int) (Admission, error) {
	active, err := p.repo.ListActiveSince(ctx, accountID, p.now().Add(-p.window))
	if err != nil {
		return Admission{}, fmt.Errorf("list active devices: %w", err)
	}
	return Admission{Admitted: cap < 0 || len(active) < cap, ActiveDevices: active}, nil
}

// Counted returns the row for fingerprint when it already counts toward the cap, else nil.
// Signing in again from a counted device does not need a new slot.
func (p *Policy) Counted(ctx context.Context, accountID, fingerprint string) (*domain.DeviceSession, error) {
	if fingerprint == "" {
		return nil, nil
	}
	d, err := p.repo.GetByFingerprint(ctx, accountID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("get device by fingerprint: %w", err)
	}
	if !d.IsActive(p.now(), p.window) {
		return nil, nil
	}
	return d, nil
}

// Trusted reports whether the server holds a valid remember-device for the account and fingerprint.
func (p *Policy) Trusted(ctx context.Context, accountID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	d, err := p.repo.GetByFingerprint(ctx, accountID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("get device by fingerprint: %w", err)
	}
	return d.IsTrusted(p.now()), nil
}

// Record writes the device row for a completed login. An existing non-revoked row with the same
// fingerprint is refreshed instead of duplicated. Returns nil, nil when meta is not present.
func (p *Policy) Record(ctx context.Context, accountID string, meta domain.Metadata, trustedUntil *time.Time) (*domain.DeviceSession, error) {
	if !meta.Present() {
		return nil, nil
	}
	now := p.now()
	existing, err := p.repo.GetByFingerprint(ctx, accountID, meta.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("get device by fingerprint: %w", err)
	}
	if existing != nil {
		if err := p.repo.Refresh(ctx, existing.ID, meta, now, trustedUntil); err != nil {
			return nil, fmt.Errorf("refresh device: %w", err)
		}
		existing.LastActiveAt = now
		if meta.Name != "" {
			existing.DeviceName = meta.Name
		}
		if meta.IP != "" {
			existing.IPAddress = meta.IP
		}
		if meta.UserAgent != "" {
			existing.UserAgent = meta.UserAgent
		}
		if trustedUntil != nil {
			existing.TrustedUntil = trustedUntil
		}
		return existing, nil
	}
	name := meta.Name
	if name == "" {
		name = DeviceNameFromUserAgent(meta.UserAgent)
	}
	d := &domain.DeviceSession{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		DeviceName:   name,
		Fingerprint:  meta.Fingerprint,
		CreatedAt:    now,
		LastActiveAt: now,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		TrustedUntil: trustedUntil,
	}
	if err := p.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return d, nil
}

// Touch marks the device active now. A revoked or missing device returns ErrDeviceRevoked.
func (p *Policy) Touch(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	d, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if d == nil || d.Revoked {
		return ErrDeviceRevoked
	}
	return p.repo.Touch(ctx, id, p.now())
}

// List returns the account's non-revoked devices, most recently active first.
func (p *Policy) List(ctx context.Context, accountID string) ([]*domain.DeviceSession, error) {
	return p.repo.ListByAccount(ctx, accountID)
}

// Revoke revokes one of the account's devices and the sessions bound to it.
// Revoking a device that is already revoked succeeds without changes.
func (p *Policy) Revoke(ctx context.Context, accountID, id, actor string) error {
	d, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if d == nil || d.AccountID != accountID {
		return ErrDeviceNotFound
	}
	if d.Revoked {
		return nil
	}
	if _, err := p.repo.Revoke(ctx, id, actor, p.now()); err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	p.revokeSessions(ctx, []string{id})
	return nil
}

// RevokeAllExcept revokes every other non-revoked device of the account in one batch and returns how many.
func (p *Policy) RevokeAllExcept(ctx context.Context, accountID, keepID, actor string) (int, error) {
	ids, err := p.repo.RevokeAllExcept(ctx, accountID, keepID, actor, p.now())
	if err != nil {
		return 0, fmt.Errorf("revoke devices: %w", err)
	}
	p.revokeSessions(ctx, ids)
	return len(ids), nil
}

// revokeSessions is best-effort: the device rows are already revoked and Touch rejects them on refresh.
func (p *Policy) revokeSessions(ctx context.Context, ids []string) {
	if p.sessions == nil || len(ids) == 0 {
		return
	}
	if err := p.sessions.RevokeByDeviceSessions(ctx, ids); err != nil {
		p.log.Warn("revoke sessions for devices", zap.Strings("device_session_ids", ids), zap.Error(err))
	}
}

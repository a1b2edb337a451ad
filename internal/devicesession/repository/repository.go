package repository

import (
	"context"
	"time"

	"atlasvet/backend/internal/devicesession/domain"
)

// Repository defines persistence for device sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.DeviceSession, error)
	// GetByFingerprint returns the most recently active non-revoked row for the account and fingerprint.
	GetByFingerprint(ctx context.Context, accountID, fingerprint string) (*domain.DeviceSession, error)
	// ListActiveSince returns non-revoked rows with last_active_at >= since, most recent first.
	ListActiveSince(ctx context.Context, accountID string, since time.Time) ([]*domain.DeviceSession, error)
	// ListByAccount returns every non-revoked row for the account, most recent first.
	ListByAccount(ctx context.Context, accountID string) ([]*domain.DeviceSession, error)
	Create(ctx context.Context, d *domain.DeviceSession) error
	// Refresh records a new login from an existing row: metadata, last_active_at and, when non-nil, trusted_until.
	Refresh(ctx context.Context, id string, meta domain.Metadata, at time.Time, trustedUntil *time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	// Revoke marks the row revoked if it is not already. Returns whether a row changed.
	Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error)
	// RevokeAllExcept revokes every non-revoked row of the account other than keepID in one statement.
	// Returns the ids revoked.
	RevokeAllExcept(ctx context.Context, accountID, keepID, actor string, at time.Time) ([]string, error)
}

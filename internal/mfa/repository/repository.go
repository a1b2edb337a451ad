package repository

import (
	"context"
	"time"

	"atlasvet/backend/internal/mfa/domain"
)

// DefaultChallengeTTL is the default MFA challenge expiry.
const DefaultChallengeTTL = 10 * time.Minute

// ChallengeRepository defines persistence for MFA challenges.
type ChallengeRepository interface {
	// Create stores c and deletes every earlier challenge of the same account.
	Create(ctx context.Context, c *domain.Challenge) error
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	Delete(ctx context.Context, id string) error
}

// BackupCodeRepository defines persistence for backup codes.
type BackupCodeRepository interface {
	ListUnused(ctx context.Context, accountID string) ([]*domain.BackupCode, error)
	// MarkUsed sets used_at when it is still NULL. Returns false if the code was already used.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	// ReplaceAll deletes the account's codes and stores the given hashes.
	ReplaceAll(ctx context.Context, accountID string, hashes []string, at time.Time) error
	CountUnused(ctx context.Context, accountID string) (int, error)
}

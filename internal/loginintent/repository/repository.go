package repository

import (
	"context"
	"time"

	"atlasvet/backend/internal/loginintent/domain"
)

// DefaultTTL is how long a paused login can be resumed.
const DefaultTTL = 10 * time.Minute

// Repository defines persistence for login intents.
type Repository interface {
	Create(ctx context.Context, i *domain.Intent) error
	GetByID(ctx context.Context, id string) (*domain.Intent, error)
	// Update writes the mutable fields: stage, mfa_passed, challenge_id, clinic_id.
	Update(ctx context.Context, i *domain.Intent) error
	// Consume deletes and returns the intent. Nil when it was already consumed.
	Consume(ctx context.Context, id string) (*domain.Intent, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

package repository

import (
	"context"

	"atlasvet/backend/internal/clinic/domain"
)

// Repository defines persistence for clinics and memberships.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Clinic, error)
	// ListByAccount returns active clinics the account is a member of, ordered by name.
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Clinic, error)
	GetMembership(ctx context.Context, accountID, clinicID string) (*domain.Membership, error)
	Create(ctx context.Context, c *domain.Clinic) error
	AddMember(ctx context.Context, m *domain.Membership) error
}

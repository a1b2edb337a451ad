package repository

import (
	"context"

	"atlasvet/backend/internal/policy/domain"
)

// Repository defines persistence for auth policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error)
	// ListEnabledByClinic returns enabled policies only, oldest first.
	ListEnabledByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	Delete(ctx context.Context, id string) error
}

package repository

import (
	"context"

	"atlasvet/backend/internal/account/domain"
)

// Repository defines persistence for accounts.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	// UpdatePlanByStripeCustomer sets plan and device_cap for the account linked to customerID.
	// Returns false when no account is linked.
	UpdatePlanByStripeCustomer(ctx context.Context, customerID, plan string, deviceCap int) (bool, error)
	SetStripeCustomer(ctx context.Context, accountID, customerID string) error
}

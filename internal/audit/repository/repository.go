package repository

import (
	"context"

	"atlasvet/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	ListByClinic(ctx context.Context, clinicID string, limit, offset int32) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}

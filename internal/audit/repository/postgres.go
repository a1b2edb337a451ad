package repository

import (
	"context"
	"database/sql"

	"atlasvet/backend/internal/audit/domain"
	"atlasvet/backend/internal/db"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// ListByClinic returns audit logs for the clinic, newest first, paginated by limit and offset.
// Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByClinic(ctx context.Context, clinicID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, clinic_id, account_id, action, resource, ip, metadata, created_at
		FROM audit_logs WHERE clinic_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, clinicID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*domain.AuditLog, 0)
	for rows.Next() {
		var (
			a               domain.AuditLog
			accountID, meta sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ClinicID, &accountID, &a.Action, &a.Resource, &a.IP, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AccountID = accountID.String
		a.Metadata = meta.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_logs (id, clinic_id, account_id, action, resource, ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ClinicID, db.NullString(a.AccountID), a.Action, a.Resource, a.IP, db.NullString(a.Metadata), a.CreatedAt)
	return err
}

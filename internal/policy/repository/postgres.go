package repository

import (
	"context"
	"database/sql"
	"errors"

	"atlasvet/backend/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	var p domain.Policy
	err := r.db.QueryRowContext(ctx, `SELECT id, clinic_id, rules, enabled, created_at FROM auth_policies WHERE id = $1`, id).
		Scan(&p.ID, &p.ClinicID, &p.Rules, &p.Enabled, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListByClinic returns all policies for the clinic.
func (r *PostgresRepository) ListByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT id, clinic_id, rules, enabled, created_at FROM auth_policies
		WHERE clinic_id = $1 ORDER BY created_at, id`, clinicID)
}

// ListEnabledByClinic returns enabled policies for the clinic.
func (r *PostgresRepository) ListEnabledByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT id, clinic_id, rules, enabled, created_at FROM auth_policies
		WHERE clinic_id = $1 AND enabled = TRUE ORDER BY created_at, id`, clinicID)
}

func (r *PostgresRepository) list(ctx context.Context, query, clinicID string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.ClinicID, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Create persists a new policy. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO auth_policies (id, clinic_id, rules, enabled, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.ClinicID, p.Rules, p.Enabled, p.CreatedAt)
	return err
}

// Update writes rules and enabled.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `UPDATE auth_policies SET rules = $2, enabled = $3 WHERE id = $1`, p.ID, p.Rules, p.Enabled)
	return err
}

// Delete removes the policy.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM auth_policies WHERE id = $1`, id)
	return err
}

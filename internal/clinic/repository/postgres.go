package repository

import (
	"context"
	"database/sql"
	"errors"

	"atlasvet/backend/internal/clinic/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a clinic repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the clinic for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Clinic, error) {
	var (
		c      domain.Clinic
		status string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, name, require_mfa, status, created_at FROM clinics WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.RequireMFA, &status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Status = domain.Status(status)
	return &c, nil
}

// ListByAccount returns the active clinics the account belongs to.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Clinic, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT c.id, c.name, c.require_mfa, c.status, c.created_at
		FROM clinics c JOIN clinic_memberships m ON m.clinic_id = c.id
		WHERE m.account_id = $1 AND c.status = 'active'
		ORDER BY c.name, c.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Clinic
	for rows.Next() {
		var (
			c      domain.Clinic
			status string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.RequireMFA, &status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = domain.Status(status)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetMembership returns the membership for account and clinic, or nil if the account is not a member.
func (r *PostgresRepository) GetMembership(ctx context.Context, accountID, clinicID string) (*domain.Membership, error) {
	var (
		m    domain.Membership
		role string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, account_id, clinic_id, role, created_at FROM clinic_memberships
		WHERE account_id = $1 AND clinic_id = $2`, accountID, clinicID).
		Scan(&m.ID, &m.AccountID, &m.ClinicID, &role, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.Role = domain.Role(role)
	return &m, nil
}

// Create validates and persists the clinic. The clinic must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Clinic) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO clinics (id, name, require_mfa, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.RequireMFA, string(c.Status), c.CreatedAt)
	return err
}

// AddMember persists the membership. The membership must have ID set.
func (r *PostgresRepository) AddMember(ctx context.Context, m *domain.Membership) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO clinic_memberships (id, account_id, clinic_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`, m.ID, m.AccountID, m.ClinicID, string(m.Role), m.CreatedAt)
	return err
}

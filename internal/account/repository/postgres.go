package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/db"
)

const accountColumns = `id, email, name, password_hash, mfa_required, role, plan, device_cap, status,
	stripe_customer_id, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByEmail returns the account for the normalized email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// Create validates and persists the account. The account must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Email, a.Name, a.PasswordHash, a.MFARequired, a.Role, a.Plan, a.DeviceCap, string(a.Status),
		db.NullString(a.StripeCustomerID), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdatePlanByStripeCustomer sets plan and device cap for the account linked to customerID.
func (r *PostgresRepository) UpdatePlanByStripeCustomer(ctx context.Context, customerID, plan string, deviceCap int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET plan = $2, device_cap = $3, updated_at = $4
		WHERE stripe_customer_id = $1`, customerID, plan, deviceCap, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStripeCustomer links the account to a Stripe customer id.
func (r *PostgresRepository) SetStripeCustomer(ctx context.Context, accountID, customerID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET stripe_customer_id = $2, updated_at = $3 WHERE id = $1`,
		accountID, db.NullString(customerID), time.Now().UTC())
	return err
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var (
		a        domain.Account
		status   string
		customer sql.NullString
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.MFARequired, &a.Role, &a.Plan, &a.DeviceCap,
		&status, &customer, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Status = domain.Status(status)
	a.StripeCustomerID = customer.String
	return &a, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/mfa/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an MFA repository (challenges and backup codes) backed by db.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create replaces the account's challenges with c in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_challenges WHERE account_id = $1`, c.AccountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO mfa_challenges (id, account_id, code_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`, c.ID, c.AccountID, c.CodeHash, c.ExpiresAt, c.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID returns the challenge for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	var c domain.Challenge
	err := r.db.QueryRowContext(ctx, `SELECT id, account_id, code_hash, expires_at, created_at FROM mfa_challenges WHERE id = $1`, id).
		Scan(&c.ID, &c.AccountID, &c.CodeHash, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Delete removes the challenge with the given id.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_challenges WHERE id = $1`, id)
	return err
}

// ListUnused returns the account's backup codes that have not been used.
func (r *PostgresRepository) ListUnused(ctx context.Context, accountID string) ([]*domain.BackupCode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, account_id, code_hash, used_at, created_at FROM backup_codes
		WHERE account_id = $1 AND used_at IS NULL ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.BackupCode
	for rows.Next() {
		var (
			b      domain.BackupCode
			usedAt sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.AccountID, &b.CodeHash, &usedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.UsedAt = db.TimePtr(usedAt)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// MarkUsed consumes the code if unused.
func (r *PostgresRepository) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE backup_codes SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceAll swaps the account's codes for the given hashes in one transaction.
func (r *PostgresRepository) ReplaceAll(ctx context.Context, accountID string, hashes []string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO backup_codes (id, account_id, code_hash, created_at) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), accountID, h, at); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountUnused returns how many unused codes the account has.
func (r *PostgresRepository) CountUnused(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_codes WHERE account_id = $1 AND used_at IS NULL`, accountID).Scan(&n)
	return n, err
}

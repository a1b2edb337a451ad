package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/devicesession/domain"
)

const deviceColumns = `id, account_id, device_name, fingerprint, created_at, last_active_at, revoked, revoked_at,
	revoked_by, ip_address, user_agent, trusted_until`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device session repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the device session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.DeviceSession, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE id = $1`, id))
}

// GetByFingerprint returns the non-revoked row for the account and fingerprint, or nil if none.
func (r *PostgresRepository) GetByFingerprint(ctx context.Context, accountID, fingerprint string) (*domain.DeviceSession, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device_sessions
		WHERE account_id = $1 AND fingerprint = $2 AND revoked = FALSE
		ORDER BY last_active_at DESC LIMIT 1`, accountID, fingerprint))
}

// ListActiveSince returns non-revoked rows active since the given time.
func (r *PostgresRepository) ListActiveSince(ctx context.Context, accountID string, since time.Time) ([]*domain.DeviceSession, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM device_sessions
		WHERE account_id = $1 AND revoked = FALSE AND last_active_at >= $2
		ORDER BY last_active_at DESC, id`, accountID, since)
}

// ListByAccount returns all non-revoked rows for the account.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.DeviceSession, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM device_sessions
		WHERE account_id = $1 AND revoked = FALSE
		ORDER BY last_active_at DESC, id`, accountID)
}

// Create persists the device session. The row must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, d *domain.DeviceSession) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO device_sessions (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.AccountID, d.DeviceName, d.Fingerprint, d.CreatedAt, d.LastActiveAt, d.Revoked,
		db.NullTime(d.RevokedAt), db.NullString(d.RevokedBy), db.NullString(d.IPAddress), db.NullString(d.UserAgent),
		db.NullTime(d.TrustedUntil))
	return err
}

// Refresh updates metadata and last_active_at; trusted_until is only replaced when non-nil.
func (r *PostgresRepository) Refresh(ctx context.Context, id string, meta domain.Metadata, at time.Time, trustedUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_sessions SET
		device_name = COALESCE(NULLIF($2, ''), device_name),
		ip_address = COALESCE($3, ip_address),
		user_agent = COALESCE($4, user_agent),
		last_active_at = $5,
		trusted_until = COALESCE($6, trusted_until)
		WHERE id = $1`,
		id, meta.Name, db.NullString(meta.IP), db.NullString(meta.UserAgent), at, db.NullTime(trustedUntil))
	return err
}

// Touch sets last_active_at for a non-revoked row.
func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_sessions SET last_active_at = $2 WHERE id = $1 AND revoked = FALSE`, id, at)
	return err
}

// Revoke marks the row revoked and clears trust. A row that is already revoked is left unchanged.
func (r *PostgresRepository) Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE device_sessions
		SET revoked = TRUE, revoked_at = $2, revoked_by = $3, trusted_until = NULL
		WHERE id = $1 AND revoked = FALSE`, id, at, db.NullString(actor))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeAllExcept revokes the account's other non-revoked rows in one statement.
func (r *PostgresRepository) RevokeAllExcept(ctx context.Context, accountID, keepID, actor string, at time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `UPDATE device_sessions
		SET revoked = TRUE, revoked_at = $3, revoked_by = $4, trusted_until = NULL
		WHERE account_id = $1 AND id <> $2 AND revoked = FALSE
		RETURNING id`, accountID, keepID, at, db.NullString(actor))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*domain.DeviceSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*domain.DeviceSession, 0)
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*domain.DeviceSession, error) {
	d, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func scan(s scanner) (*domain.DeviceSession, error) {
	var (
		d                        domain.DeviceSession
		revokedAt, trustedUntil  sql.NullTime
		revokedBy, ip, userAgent sql.NullString
	)
	err := s.Scan(&d.ID, &d.AccountID, &d.DeviceName, &d.Fingerprint, &d.CreatedAt, &d.LastActiveAt, &d.Revoked,
		&revokedAt, &revokedBy, &ip, &userAgent, &trustedUntil)
	if err != nil {
		return nil, err
	}
	d.RevokedAt = db.TimePtr(revokedAt)
	d.TrustedUntil = db.TimePtr(trustedUntil)
	d.RevokedBy = revokedBy.String
	d.IPAddress = ip.String
	d.UserAgent = userAgent.String
	return &d, nil
}

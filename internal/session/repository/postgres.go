package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var (
		s                       domain.Session
		deviceID, ip, jti, hash sql.NullString
		revokedAt, lastSeenAt   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, account_id, clinic_id, device_session_id, expires_at, revoked_at,
		last_seen_at, ip_address, refresh_jti, refresh_token_hash, created_at FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.AccountID, &s.ClinicID, &deviceID, &s.ExpiresAt, &revokedAt, &lastSeenAt, &ip, &jti, &hash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.DeviceSessionID = deviceID.String
	s.RevokedAt = db.TimePtr(revokedAt)
	s.LastSeenAt = db.TimePtr(lastSeenAt)
	s.IPAddress = ip.String
	s.RefreshJti = jti.String
	s.RefreshTokenHash = hash.String
	return &s, nil
}

// Create persists the session to the database. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (id, account_id, clinic_id, device_session_id, expires_at,
		revoked_at, last_seen_at, ip_address, refresh_jti, refresh_token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.AccountID, s.ClinicID, db.NullString(s.DeviceSessionID), s.ExpiresAt, db.NullTime(s.RevokedAt),
		db.NullTime(s.LastSeenAt), db.NullString(s.IPAddress), db.NullString(s.RefreshJti),
		db.NullString(s.RefreshTokenHash), s.CreatedAt)
	return err
}

// Revoke marks the session with the given id as revoked. Returns an error if the update fails.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, time.Now().UTC())
	return err
}

// RevokeAllByAccount revokes all sessions for the given account. Returns an error if the update fails.
func (r *PostgresRepository) RevokeAllByAccount(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = $2 WHERE account_id = $1 AND revoked_at IS NULL`,
		accountID, time.Now().UTC())
	return err
}

// RevokeByDeviceSessions revokes the live sessions bound to the given device sessions.
func (r *PostgresRepository) RevokeByDeviceSessions(ctx context.Context, deviceSessionIDs []string) error {
	if len(deviceSessionIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = $2
		WHERE device_session_id = ANY($1) AND revoked_at IS NULL`, deviceSessionIDs, time.Now().UTC())
	return err
}

// UpdateLastSeen sets the session's last-seen timestamp for the given id. Returns an error if the update fails.
func (r *PostgresRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

// UpdateRefreshToken sets the session's current refresh token jti and hash for rotation. Returns an error if the update fails.
func (r *PostgresRepository) UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET refresh_jti = $2, refresh_token_hash = $3 WHERE id = $1`,
		sessionID, db.NullString(jti), db.NullString(refreshTokenHash))
	return err
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/loginintent/domain"
)

const intentColumns = `id, account_id, stage, mfa_passed, challenge_id, device_fingerprint, device_name, device_ip,
	device_user_agent, remember_device, remember_me, clinic_id, expires_at, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a login intent repository that uses the given db.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create persists the intent. The intent must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, i *domain.Intent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO login_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		i.ID, i.AccountID, string(i.Stage), i.MFAPassed, db.NullString(i.ChallengeID),
		db.NullString(i.DeviceFingerprint), db.NullString(i.DeviceName), db.NullString(i.DeviceIP),
		db.NullString(i.DeviceUserAgent), i.RememberDevice, i.RememberMe, db.NullString(i.ClinicID),
		i.ExpiresAt, i.CreatedAt)
	return err
}

// GetByID returns the intent for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Intent, error) {
	return scanIntent(r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM login_intents WHERE id = $1`, id))
}

// Update writes stage, mfa_passed, challenge_id and clinic_id.
func (r *PostgresRepository) Update(ctx context.Context, i *domain.Intent) error {
	_, err := r.db.ExecContext(ctx, `UPDATE login_intents SET stage = $2, mfa_passed = $3, challenge_id = $4, clinic_id = $5
		WHERE id = $1`, i.ID, string(i.Stage), i.MFAPassed, db.NullString(i.ChallengeID), db.NullString(i.ClinicID))
	return err
}

// Consume deletes the intent and returns it. Concurrent callers see it at most once.
func (r *PostgresRepository) Consume(ctx context.Context, id string) (*domain.Intent, error) {
	return scanIntent(r.db.QueryRowContext(ctx, `DELETE FROM login_intents WHERE id = $1 RETURNING `+intentColumns, id))
}

// DeleteExpired removes intents that expired before the given time.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_intents WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanIntent(row *sql.Row) (*domain.Intent, error) {
	var (
		i                                   domain.Intent
		stage                               string
		challenge, fp, name, ip, ua, clinic sql.NullString
	)
	err := row.Scan(&i.ID, &i.AccountID, &stage, &i.MFAPassed, &challenge, &fp, &name, &ip, &ua,
		&i.RememberDevice, &i.RememberMe, &clinic, &i.ExpiresAt, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	i.Stage = domain.Stage(stage)
	i.ChallengeID = challenge.String
	i.DeviceFingerprint = fp.String
	i.DeviceName = name.String
	i.DeviceIP = ip.String
	i.DeviceUserAgent = ua.String
	i.ClinicID = clinic.String
	return &i, nil
}

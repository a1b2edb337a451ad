package attempts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlasvet/backend/internal/db"
)

// PostgresTracker keeps counters in the login_attempts table, read and written under a row lock.
type PostgresTracker struct {
	db     *sql.DB
	policy Policy
	nowF   func() time.Time
}

// NewPostgresTracker returns a Tracker backed by the login_attempts table.
func NewPostgresTracker(conn *sql.DB, policy Policy) *PostgresTracker {
	return &PostgresTracker{db: conn, policy: policy.normalized(), nowF: func() time.Time { return time.Now().UTC() }}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryer, key string, scope Scope, forUpdate bool) (counters, error) {
	query := `SELECT window_start, failures, lock_window_start, lock_failures, limited_until, locked_until
		FROM login_attempts WHERE account_key = $1 AND scope = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		c                                  counters
		ws, lws, limitedUntil, lockedUntil sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, key, string(scope)).Scan(&ws, &c.Failures, &lws, &c.LockFailures, &limitedUntil, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return counters{}, nil
	}
	if err != nil {
		return counters{}, err
	}
	c.WindowStart = ws.Time
	c.LockWindowStart = lws.Time
	c.LimitedUntil = limitedUntil.Time
	c.LockedUntil = lockedUntil.Time
	return c, nil
}

func nullable(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return db.NullTime(&t)
}

// RecordFailure counts one failure for key in scope inside a transaction.
func (t *PostgresTracker) RecordFailure(ctx context.Context, key string, scope Scope) (Status, error) {
	key = NormalizeKey(key)
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Make sure a row exists so FOR UPDATE serializes concurrent failures for the same key.
	if _, err := tx.ExecContext(ctx, `INSERT INTO login_attempts (account_key, scope) VALUES ($1, $2)
		ON CONFLICT (account_key, scope) DO NOTHING`, key, string(scope)); err != nil {
		return Status{}, err
	}
	c, err := load(ctx, tx, key, scope, true)
	if err != nil {
		return Status{}, err
	}
	now := t.nowF()
	c = t.policy.record(c, now)
	_, err = tx.ExecContext(ctx, `UPDATE login_attempts SET window_start = $3, failures = $4, lock_window_start = $5,
		lock_failures = $6, limited_until = $7, locked_until = $8 WHERE account_key = $1 AND scope = $2`,
		key, string(scope), nullable(c.WindowStart), c.Failures, nullable(c.LockWindowStart), c.LockFailures,
		nullable(c.LimitedUntil), nullable(c.LockedUntil))
	if err != nil {
		return Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return Status{}, err
	}
	return c.status(now), nil
}

// Check returns the current state for key in scope.
func (t *PostgresTracker) Check(ctx context.Context, key string, scope Scope) (Status, error) {
	c, err := load(ctx, t.db, NormalizeKey(key), scope, false)
	if err != nil {
		return Status{}, err
	}
	return c.status(t.nowF()), nil
}

// Reset deletes the row for key in scope.
func (t *PostgresTracker) Reset(ctx context.Context, key string, scope Scope) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE account_key = $1 AND scope = $2`, NormalizeKey(key), string(scope))
	return err
}

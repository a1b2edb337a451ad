package trustcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Vault is the durable backend: a SQLite key/value table in the user's config directory,
// so it outlives reinstalls of the CLI.
type Vault struct {
	db *sql.DB
}

// OpenVault opens or creates the SQLite file at path. ":memory:" is accepted for tests.
func OpenVault(path string) (*Vault, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create vault dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping vault: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}
	return &Vault{db: db}, nil
}

// Close releases the database.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Load implements Backend.
func (v *Vault) Load(ctx context.Context) (*Record, error) {
	var raw string
	err := v.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, Key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("vault decode: %w", err)
	}
	return &rec, nil
}

// Save implements Backend.
func (v *Vault) Save(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		Key, string(b))
	if err != nil {
		return fmt.Errorf("vault save: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (v *Vault) Delete(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, Key); err != nil {
		return fmt.Errorf("vault delete: %w", err)
	}
	return nil
}

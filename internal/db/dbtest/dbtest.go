// Package dbtest runs repository tests against a throwaway embedded Postgres.
// Tests are skipped unless ATLAS_INTEGRATION=1.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/db/migrate"
)

const (
	user     = "atlas"
	password = "atlas_test"
	database = "atlas"
)

var (
	once    sync.Once
	pg      *embeddedpostgres.EmbeddedPostgres
	shared  *sql.DB
	dataDir string
	initErr error
)

// Enabled reports whether integration tests should run.
func Enabled() bool {
	return os.Getenv("ATLAS_INTEGRATION") == "1"
}

// Main wraps testing.M so the embedded server is stopped after the package's tests.
// Use from TestMain: func TestMain(m *testing.M) { os.Exit(dbtest.Main(m)) }.
func Main(m *testing.M) int {
	code := m.Run()
	if shared != nil {
		_ = shared.Close()
	}
	if pg != nil {
		_ = pg.Stop()
	}
	if dataDir != "" {
		_ = os.RemoveAll(dataDir)
	}
	return code
}

// Open returns a migrated database with all tables emptied. Skips the test when integration is disabled.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	if !Enabled() {
		t.Skip("set ATLAS_INTEGRATION=1 to run Postgres integration tests")
	}
	once.Do(start)
	if initErr != nil {
		t.Fatalf("embedded postgres: %v", initErr)
	}
	if _, err := shared.ExecContext(context.Background(), `TRUNCATE accounts, clinics, clinic_memberships, device_sessions,
		sessions, mfa_challenges, backup_codes, login_intents, login_attempts, audit_logs, auth_policies CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return shared
}

func start() {
	port, err := freePort()
	if err != nil {
		initErr = err
		return
	}
	dataDir, err = os.MkdirTemp("", "atlas-pg-*")
	if err != nil {
		initErr = err
		return
	}
	pg = embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(uint32(port)).
			Username(user).
			Password(password).
			Database(database).
			DataPath(filepath.Join(dataDir, "data")).
			RuntimePath(filepath.Join(dataDir, "runtime")),
	)
	if err := pg.Start(); err != nil {
		initErr = fmt.Errorf("start: %w", err)
		pg = nil
		return
	}
	dsn := fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	if err := migrate.Run(dsn, "up"); err != nil {
		initErr = fmt.Errorf("migrate: %w", err)
		return
	}
	shared, initErr = db.Open(context.Background(), dsn)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

package migrate

import (
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", "up")
	if err == nil {
		t.Fatal("Run with empty DSN should return error")
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down"} {
		t.Run(direction, func(t *testing.T) {
			if err := Run("postgres://localhost/test", direction); err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}

func TestRun_SourceMigrationsEmbedded(t *testing.T) {
	files, err := listMigrations()
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no embedded migrations")
	}
	var up, down int
	for _, f := range files {
		switch {
		case hasSuffix(f, ".up.sql"):
			up++
		case hasSuffix(f, ".down.sql"):
			down++
		}
	}
	if up != down {
		t.Errorf("up migrations = %d, down migrations = %d; want equal", up, down)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

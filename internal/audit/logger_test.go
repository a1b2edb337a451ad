package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"atlasvet/backend/internal/audit/domain"
)

// mockAuditRepo implements the audit repository interface for tests.
type mockAuditRepo struct {
	mu        sync.Mutex
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByClinic(ctx context.Context, clinicID string, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo, ContextIP, nil)
	ctx := WithClientIP(context.Background(), "192.168.1.1")

	logger.LogEvent(ctx, "clinic-1", "acct-1", ActionDeviceRevoked, "device", `{"device_session_id":"d1"}`)

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ClinicID != "clinic-1" {
		t.Errorf("clinic_id = %q, want %q", entry.ClinicID, "clinic-1")
	}
	if entry.AccountID != "acct-1" {
		t.Errorf("account_id = %q, want %q", entry.AccountID, "acct-1")
	}
	if entry.Action != ActionDeviceRevoked {
		t.Errorf("action = %q, want %q", entry.Action, ActionDeviceRevoked)
	}
	if entry.IP != "192.168.1.1" {
		t.Errorf("ip = %q, want %q", entry.IP, "192.168.1.1")
	}
	if entry.ID == "" || entry.CreatedAt.IsZero() {
		t.Error("entry ID and CreatedAt should be set")
	}
}

func TestLogger_LogEvent_Defaults(t *testing.T) {
	repo := &mockAuditRepo{}
	NewLogger(repo, nil, nil).LogEvent(context.Background(), "", "", ActionLoginFailure, "auth", "")
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].ClinicID != SentinelClinicID {
		t.Errorf("clinic_id = %q, want %q", repo.entries[0].ClinicID, SentinelClinicID)
	}
	if repo.entries[0].IP != "unknown" {
		t.Errorf("ip = %q, want unknown", repo.entries[0].IP)
	}
}

func TestLogger_LogEvent_RepoErrorIsSwallowed(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("db down")}
	NewLogger(repo, nil, nil).LogEvent(context.Background(), "c", "a", ActionLogout, "auth", "")
	var nilLogger *Logger
	nilLogger.LogEvent(context.Background(), "c", "a", ActionLogout, "auth", "")
}

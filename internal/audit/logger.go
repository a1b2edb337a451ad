// Package audit records who did what to which resource. Writes are best-effort.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlasvet/backend/internal/audit/domain"
	auditrepo "atlasvet/backend/internal/audit/repository"
)

// SentinelClinicID is the clinic_id used for events that have no clinic yet (e.g. login_failure).
const SentinelClinicID = "_system"

// Login and device actions.
const (
	ActionLoginSuccess       = "login_success"
	ActionLoginFailure       = "login_failure"
	ActionMFAChallengeSent   = "mfa_challenge_sent"
	ActionMFAVerified        = "mfa_verified"
	ActionBackupCodeUsed     = "backup_code_used"
	ActionBackupCodesRenewed = "backup_codes_regenerated"
	ActionDeviceLimitBlocked = "device_limit_blocked"
	ActionDeviceRevoked      = "device_revoked"
	ActionDevicesRevokedBulk = "devices_revoked_bulk"
	ActionClinicSelected     = "clinic_selected"
	ActionLogout             = "logout"
	ActionRegister           = "register"
	ActionPlanChanged        = "plan_changed"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event with explicit action/resource. Used by auth and device code paths.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, clinicID, accountID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	log         *zap.Logger
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{repo: repo, ipExtractor: ipExtractor, log: log}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, clinicID, accountID, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	if clinicID == "" {
		clinicID = SentinelClinicID
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		ClinicID:  clinicID,
		AccountID: accountID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Warn("audit: failed to log event",
			zap.String("action", action), zap.String("resource", resource), zap.Error(err))
	}
}

type ipKey struct{}

// WithClientIP stores the client IP for ContextIP. The HTTP middleware sets it per request.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey{}, ip)
}

// ContextIP is an IPExtractor reading the value set by WithClientIP.
func ContextIP(ctx context.Context) string {
	v, _ := ctx.Value(ipKey{}).(string)
	return v
}

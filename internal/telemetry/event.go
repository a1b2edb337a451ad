// Package telemetry carries security events (sign-in outcomes, device and session changes) to
// OpenTelemetry logs and Kafka. Emission is best-effort and never fails the caller.
package telemetry

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventLoginThrottled     = "login_throttled"
	EventMFAChallengeSent   = "mfa_challenge_sent"
	EventMFAVerified        = "mfa_verified"
	EventMFAFailed          = "mfa_failed"
	EventBackupCodeUsed     = "backup_code_used"
	EventDeviceLimitBlocked = "device_limit_blocked"
	EventDeviceRevoked      = "device_revoked"
	EventTokenRefreshed     = "token_refreshed"
	EventTokenReuse         = "token_reuse_detected"
	EventLogout             = "logout"
	EventHTTPRequest        = "http_request"
)

// SecurityEvent is one event. Metadata is a JSON object; nil when there is nothing to add.
type SecurityEvent struct {
	Type            string          `json:"event_type"`
	Source          string          `json:"source"`
	AccountID       string          `json:"account_id,omitempty"`
	ClinicID        string          `json:"clinic_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	DeviceSessionID string          `json:"device_session_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewEvent returns an event stamped with the current UTC time. meta is marshalled when non-nil;
// a value that cannot be marshalled is dropped.
func NewEvent(eventType, source string, meta any) *SecurityEvent {
	e := &SecurityEvent{Type: eventType, Source: source, CreatedAt: time.Now().UTC()}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.Metadata = b
		}
	}
	return e
}

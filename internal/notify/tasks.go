// Package notify queues account notification emails on asynq and delivers them from the worker.
package notify

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeBackupCodeUsed = "notify:backup_code_used"
	TypeNewDeviceLogin = "notify:new_device_login"
)

const maxRetry = 5

// BackupCodeUsedPayload asks the worker to warn that a backup code was consumed.
type BackupCodeUsedPayload struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Remaining int    `json:"remaining"`
}

// NewDeviceLoginPayload asks the worker to report a sign-in from a device not seen before.
type NewDeviceLoginPayload struct {
	AccountID  string    `json:"account_id"`
	Email      string    `json:"email"`
	DeviceName string    `json:"device_name"`
	IP         string    `json:"ip"`
	At         time.Time `json:"at"`
}

// NewBackupCodeUsedTask builds the backup-code task.
func NewBackupCodeUsedTask(p BackupCodeUsedPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBackupCodeUsed, b, asynq.MaxRetry(maxRetry)), nil
}

// NewDeviceLoginTask builds the new-device task.
func NewDeviceLoginTask(p NewDeviceLoginPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNewDeviceLogin, b, asynq.MaxRetry(maxRetry)), nil
}

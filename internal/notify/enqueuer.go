package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer queues notifications. Callers treat failures as best-effort.
type Enqueuer interface {
	BackupCodeUsed(ctx context.Context, p BackupCodeUsedPayload) error
	NewDeviceLogin(ctx context.Context, p NewDeviceLoginPayload) error
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqEnqueuer queues tasks on Redis through asynq.
type AsynqEnqueuer struct {
	client taskClient
	closer func() error
}

// NewAsynqEnqueuer connects to the Redis at redisURL (redis://[:password@]host:port/db).
func NewAsynqEnqueuer(redisURL string) (*AsynqEnqueuer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := asynq.NewClient(opt)
	return &AsynqEnqueuer{client: c, closer: c.Close}, nil
}

// BackupCodeUsed queues the backup-code warning.
func (e *AsynqEnqueuer) BackupCodeUsed(ctx context.Context, p BackupCodeUsedPayload) error {
	task, err := NewBackupCodeUsedTask(p)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task)
	return err
}

// NewDeviceLogin queues the new-device notice. Duplicate notices for the same account within a minute are dropped.
func (e *AsynqEnqueuer) NewDeviceLogin(ctx context.Context, p NewDeviceLoginPayload) error {
	task, err := NewDeviceLoginTask(p)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Unique(time.Minute))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// Close closes the Redis connection.
func (e *AsynqEnqueuer) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Noop drops every notification. Used when REDIS_URL is unset.
type Noop struct{}

func (Noop) BackupCodeUsed(context.Context, BackupCodeUsedPayload) error { return nil }
func (Noop) NewDeviceLogin(context.Context, NewDeviceLoginPayload) error { return nil }

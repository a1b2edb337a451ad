package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"atlasvet/backend/internal/logger"
	"atlasvet/backend/internal/mail"
)

// MessageSender delivers a rendered email. Satisfied by *mail.Mailer.
type MessageSender interface {
	Send(ctx context.Context, msg mail.Message) error
}

// NewServeMux routes notification tasks to handlers that email through sender.
func NewServeMux(sender MessageSender, log *zap.Logger) *asynq.ServeMux {
	if log == nil {
		log = zap.NewNop()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBackupCodeUsed, handleBackupCodeUsed(sender, log))
	mux.HandleFunc(TypeNewDeviceLogin, handleNewDeviceLogin(sender, log))
	return mux
}

// NewServer returns an asynq server for the Redis at redisURL.
func NewServer(redisURL string, concurrency int, log *zap.Logger) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		Logger:      log.Sugar(),
	}), nil
}

func handleBackupCodeUsed(sender MessageSender, log *zap.Logger) asynq.HandlerFunc {
	log = logger.OrNop(log)
	return func(ctx context.Context, task *asynq.Task) error {
		var p BackupCodeUsedPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if err := sender.Send(ctx, mail.BackupCodeUsedMessage(p.Email, p.Remaining)); err != nil {
			log.Warn("send backup code notice", zap.String("account_id", p.AccountID), zap.Error(err))
			return err
		}
		return nil
	}
}

func handleNewDeviceLogin(sender MessageSender, log *zap.Logger) asynq.HandlerFunc {
	log = logger.OrNop(log)
	return func(ctx context.Context, task *asynq.Task) error {
		var p NewDeviceLoginPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if err := sender.Send(ctx, mail.NewDeviceLoginMessage(p.Email, p.DeviceName, p.IP, p.At)); err != nil {
			log.Warn("send new device notice", zap.String("account_id", p.AccountID), zap.Error(err))
			return err
		}
		return nil
	}
}

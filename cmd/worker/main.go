// Worker runs the background jobs: security events from Kafka into Loki (KAFKA_BROKERS, LOKI_URL)
// and notification emails from the asynq queue (REDIS_URL). Either half is skipped when unconfigured.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"atlasvet/backend/internal/config"
	"atlasvet/backend/internal/logger"
	"atlasvet/backend/internal/mail"
	"atlasvet/backend/internal/notify"
	"atlasvet/backend/internal/telemetry/loki"
	"atlasvet/backend/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("worker", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	brokers := cfg.SecurityEventsKafkaBrokersList()
	shipEvents := len(brokers) > 0 && cfg.LokiURL != ""
	sendMail := cfg.RedisURL != ""
	if !shipEvents && !sendMail {
		return errors.New("nothing to do: set KAFKA_BROKERS and LOKI_URL, or REDIS_URL")
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	if shipEvents {
		consumer := producer.NewConsumer(brokers, cfg.SecurityEventsTopic, cfg.KafkaGroupID, log)
		defer consumer.Close()
		sink := loki.NewClient(cfg.LokiURL)
		log.Info("shipping security events",
			zap.String("topic", cfg.SecurityEventsTopic), zap.String("group", cfg.KafkaGroupID), zap.String("loki", cfg.LokiURL))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, sink.PushEventJSON); err != nil {
				errc <- fmt.Errorf("event consumer: %w", err)
			}
		}()
	}

	if sendMail {
		srv, err := notify.NewServer(cfg.RedisURL, 0, log)
		if err != nil {
			return err
		}
		sender := mail.NewMailer(newSender(cfg))
		if err := srv.Start(notify.NewServeMux(sender, log)); err != nil {
			return fmt.Errorf("notify server: %w", err)
		}
		log.Info("processing notification queue")
		defer srv.Shutdown()
	}

	select {
	case <-ctx.Done():
		log.Info("worker shutting down")
	case err := <-errc:
		return err
	}
	wg.Wait()
	return nil
}

func newSender(cfg *config.Config) mail.Sender {
	if cfg.MailProvider == "smtp" {
		return mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	}
	return mail.NewResendClient(cfg.ResendAPIKey, cfg.ResendBaseURL, cfg.MailFrom)
}

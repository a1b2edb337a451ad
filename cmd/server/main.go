// Server runs the Atlas JSON API and the ops gRPC listener (health, reflection).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"atlasvet/backend/internal/config"
	"atlasvet/backend/internal/db"
	healthhandler "atlasvet/backend/internal/health/handler"
	"atlasvet/backend/internal/logger"
	"atlasvet/backend/internal/server"
	"atlasvet/backend/internal/telemetry"
	oteltelemetry "atlasvet/backend/internal/telemetry/otel"
	"atlasvet/backend/internal/telemetry/producer"
)

const shutdownTimeout = 15 * time.Second

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
		log.Fatal("server", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	providers, err := oteltelemetry.NewProviders(ctx, oteltelemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "atlas-api",
		Environment: cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer conn.Close()

	events := telemetry.Fanout{oteltelemetry.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.SecurityEventsKafkaBrokersList(), cfg.SecurityEventsTopic, log); kp != nil {
		defer kp.Close()
		events = append(events, kp)
		log.Info("security events to kafka", zap.String("topic", cfg.SecurityEventsTopic))
	}

	stripe.Key = cfg.StripeSecretKey

	app, err := build(ctx, cfg, conn, events, log)
	if err != nil {
		return err
	}
	defer app.close()

	checker := healthhandler.NewChecker(conn, app.policyEngine)
	app.handlers.Health = healthhandler.NewHTTP(checker, log)
	router := server.NewRouter(server.RouterConfig{
		CORSOrigins: cfg.CORSOrigins(),
		RateLimiter: app.limiter,
		Tokens:      app.tokens,
		Audit:       app.audit,
		Events:      events,
		Log:         log,
	}, app.handlers)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	healthGRPC := healthhandler.NewGRPC(checker, 0, log)
	ops := server.NewOpsServer(healthGRPC)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		go healthGRPC.Run(ctx)
		go func() {
			log.Info("ops grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := ops.Serve(lis); err != nil {
				errc <- fmt.Errorf("ops grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.Error("listener failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	ops.GracefulStop()
	// In-flight async telemetry emits finish before the providers close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	return nil
}

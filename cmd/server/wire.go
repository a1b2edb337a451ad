package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	accountrepo "atlasvet/backend/internal/account/repository"
	"atlasvet/backend/internal/analysis"
	"atlasvet/backend/internal/attempts"
	"atlasvet/backend/internal/audit"
	audithandler "atlasvet/backend/internal/audit/handler"
	auditrepo "atlasvet/backend/internal/audit/repository"
	"atlasvet/backend/internal/billing"
	clinicrepo "atlasvet/backend/internal/clinic/repository"
	"atlasvet/backend/internal/config"
	"atlasvet/backend/internal/devicesession"
	devicesessionhandler "atlasvet/backend/internal/devicesession/handler"
	devicesessionrepo "atlasvet/backend/internal/devicesession/repository"
	"atlasvet/backend/internal/devotp"
	devotphandler "atlasvet/backend/internal/devotp/handler"
	identityhandler "atlasvet/backend/internal/identity/handler"
	"atlasvet/backend/internal/identity/service"
	intentrepo "atlasvet/backend/internal/loginintent/repository"
	"atlasvet/backend/internal/mail"
	"atlasvet/backend/internal/mfa"
	mfarepo "atlasvet/backend/internal/mfa/repository"
	"atlasvet/backend/internal/notify"
	"atlasvet/backend/internal/policy/engine"
	policyhandler "atlasvet/backend/internal/policy/handler"
	policyrepo "atlasvet/backend/internal/policy/repository"
	"atlasvet/backend/internal/security"
	"atlasvet/backend/internal/server"
	"atlasvet/backend/internal/server/middleware"
	sessionrepo "atlasvet/backend/internal/session/repository"
	"atlasvet/backend/internal/telemetry"
)

// app is the wired API: handlers plus the pieces the router and health checks share.
type app struct {
	handlers     server.Handlers
	tokens       *security.TokenProvider
	audit        audit.AuditLogger
	limiter      *middleware.RateLimiter
	policyEngine *engine.OPAEvaluator
	closers      []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, conn *sql.DB, events telemetry.EventEmitter, log *zap.Logger) (*app, error) {
	a := &app{}

	priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	a.tokens = security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	accounts := accountrepo.NewPostgresRepository(conn)
	clinics := clinicrepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	intents := intentrepo.NewPostgresRepository(conn)
	devices := devicesessionrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)
	audits := auditrepo.NewPostgresRepository(conn)
	mfaStore := mfarepo.NewPostgresRepository(conn)

	a.audit = audit.NewLogger(audits, audit.ContextIP, log)
	a.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)

	tracker, err := newTracker(ctx, cfg, conn)
	if err != nil {
		return nil, err
	}

	var notifier notify.Enqueuer = notify.Noop{}
	if cfg.RedisURL != "" {
		enq, err := notify.NewAsynqEnqueuer(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		a.closers = append(a.closers, enq.Close)
		notifier = enq
	}

	var dev devotp.Store
	if cfg.OTPReturnToClient {
		store := devotp.NewMemoryStore()
		dev = store
		a.handlers.DevOTP = devotphandler.NewHandler(store)
		log.Warn("dev OTP mode: codes are readable at /dev/mfa/otp and are not emailed")
	}
	gate := mfa.NewGate(mfaStore, mail.NewMailer(newSender(cfg)), dev, cfg.OTPLifetime(), log)

	devicePolicy := devicesession.NewPolicy(devices, sessions, cfg.ActiveWindow(), log)
	a.policyEngine = engine.NewOPAEvaluator(policies, cfg.MFARequiredAlways, log)

	login := service.NewLoginService(service.Deps{
		Accounts: accounts,
		Clinics:  clinics,
		Sessions: sessions,
		Intents:  intents,
		Devices:  devicePolicy,
		MFA:      gate,
		Policy:   a.policyEngine,
		Attempts: tracker,
		Hasher:   security.NewHasher(cfg.BcryptCost),
		Tokens:   a.tokens,
		Audit:    a.audit,
		Events:   events,
		Notifier: notifier,
		Log:      log,
	}, service.Options{
		RememberTTL:      cfg.RememberTTL(),
		TrustedDeviceTTL: cfg.TrustTTL(),
		DefaultDeviceCap: cfg.DefaultDeviceCap,
		PublicBaseURL:    cfg.PublicBaseURL,
	})

	a.handlers.Auth = identityhandler.NewHandler(login, log)
	a.handlers.Devices = devicesessionhandler.NewHandler(devicePolicy, log)
	a.handlers.Policies = policyhandler.NewHandler(policies, clinics, log)
	a.handlers.Audit = audithandler.NewHandler(audits, clinics, log)

	plans := billing.NewService(accounts, cfg.PlanCaps(), cfg.DefaultDeviceCap, a.audit, log)
	a.handlers.Billing = billing.NewHandler(plans, cfg.StripeWebhookSecret, log)

	analysisSvc, err := newAnalysis(ctx, cfg, a, log)
	if err != nil {
		return nil, err
	}
	a.handlers.Analysis = analysis.NewHandler(analysisSvc, clinics, log)
	return a, nil
}

func newTracker(ctx context.Context, cfg *config.Config, conn *sql.DB) (attempts.Tracker, error) {
	policy := attempts.Policy{
		MaxFailures:      cfg.AttemptMaxFailures,
		Window:           cfg.AttemptWindowDuration(),
		LockoutThreshold: cfg.AttemptLockoutThreshold,
		LockoutWindow:    cfg.AttemptLockoutDuration(),
	}
	switch cfg.AttemptTracker {
	case "memory":
		return attempts.NewMemoryTracker(policy), nil
	case "redis":
		cli, err := attempts.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("attempt tracker: %w", err)
		}
		return attempts.NewRedisTracker(cli, policy), nil
	default:
		return attempts.NewPostgresTracker(conn, policy), nil
	}
}

func newSender(cfg *config.Config) mail.Sender {
	if cfg.MailProvider == "smtp" {
		return mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	}
	return mail.NewResendClient(cfg.ResendAPIKey, cfg.ResendBaseURL, cfg.MailFrom)
}

// newAnalysis returns the case analysis service. Without GEMINI_API_KEY the service answers
// analysis_unavailable; without MONGO_URL consult history is not kept.
func newAnalysis(ctx context.Context, cfg *config.Config, a *app, log *zap.Logger) (*analysis.Service, error) {
	var gen analysis.Generator
	if cfg.GeminiAPIKey != "" {
		g, err := analysis.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiFallbackModel, log)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		gen = g
	} else {
		log.Warn("GEMINI_API_KEY not set: case analysis disabled")
	}
	var history analysis.History = analysis.NoopHistory{}
	if cfg.MongoURL != "" {
		h, err := analysis.NewMongoHistory(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("consult history: %w", err)
		}
		a.closers = append(a.closers, func() error { return h.Close(context.Background()) })
		history = h
	}
	return analysis.NewService(gen, history, log), nil
}

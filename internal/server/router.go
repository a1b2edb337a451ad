// Package server assembles the HTTP API and the ops gRPC listener.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"atlasvet/backend/internal/analysis"
	"atlasvet/backend/internal/audit"
	audithandler "atlasvet/backend/internal/audit/handler"
	"atlasvet/backend/internal/billing"
	devicesessionhandler "atlasvet/backend/internal/devicesession/handler"
	devotphandler "atlasvet/backend/internal/devotp/handler"
	healthhandler "atlasvet/backend/internal/health/handler"
	identityhandler "atlasvet/backend/internal/identity/handler"
	policyhandler "atlasvet/backend/internal/policy/handler"
	"atlasvet/backend/internal/server/middleware"
	"atlasvet/backend/internal/telemetry"
)

// Handlers are the mounted API handlers. Nil handlers leave their routes unmounted.
type Handlers struct {
	Auth     *identityhandler.Handler
	Devices  *devicesessionhandler.Handler
	Policies *policyhandler.Handler
	Audit    *audithandler.Handler
	Analysis *analysis.Handler
	Billing  *billing.Handler
	Health   *healthhandler.HTTP
	// DevOTP is set only when dev OTP mode is enabled outside production.
	DevOTP *devotphandler.Handler
}

// RouterConfig holds the cross-cutting pieces of the HTTP stack.
type RouterConfig struct {
	CORSOrigins []string
	RateLimiter *middleware.RateLimiter
	Tokens      middleware.AccessValidator
	Audit       audit.AuditLogger
	Events      telemetry.EventEmitter
	Log         *zap.Logger
}

// Routes the audit middleware leaves to the handlers that audit themselves.
var auditSkip = map[string]bool{
	"/v1/auth/logout": true,
}

// Health routes carry no telemetry.
var telemetrySkip = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// NewRouter builds the chi router for the public API.
func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON(log))
	r.Use(middleware.RequestLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.ClientIP)
	r.Use(middleware.Authenticate(cfg.Tokens))
	r.Use(middleware.Telemetry(cfg.Events, telemetrySkip, log))
	r.Use(chimw.Timeout(90 * time.Second))

	if h.Health != nil {
		h.Health.Routes(r)
	}
	if h.DevOTP != nil {
		r.Get("/dev/mfa/otp", h.DevOTP.GetOTP)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		r.Use(middleware.Audit(cfg.Audit, auditSkip))

		if h.Auth != nil {
			r.Route("/auth", h.Auth.Routes)
		}
		if h.Billing != nil {
			r.Route("/billing", h.Billing.Routes)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			if h.Auth != nil {
				r.Route("/mfa", h.Auth.MFARoutes)
			}
			if h.Devices != nil {
				r.Route("/devices", h.Devices.Routes)
			}
			if h.Policies != nil {
				r.Route("/policies", h.Policies.Routes)
			}
			if h.Audit != nil {
				r.Get("/audit", h.Audit.List)
			}
			if h.Analysis != nil {
				r.Route("/analysis", h.Analysis.Routes)
			}
		})
	})
	return r
}

// Package billing applies Stripe subscription changes to account plans and device caps.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"atlasvet/backend/internal/audit"
	"atlasvet/backend/internal/platform/httpx"
)

// FreePlan is the plan applied when a subscription ends.
const FreePlan = "free"

const maxPayloadBytes = 65536

// Subscription event types handled by Apply. Others are acknowledged and ignored.
const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// ErrUnknownPlan is returned by Apply when a subscription names a plan without a configured device cap.
var ErrUnknownPlan = errors.New("unknown plan")

// AccountPlans updates an account's plan. account/repository implements it.
type AccountPlans interface {
	UpdatePlanByStripeCustomer(ctx context.Context, customerID, plan string, deviceCap int) (bool, error)
}

// Change is the plan update derived from one subscription event.
type Change struct {
	CustomerID string
	Plan       string
	DeviceCap  int
}

// Service maps subscription events to plan changes.
type Service struct {
	plans      AccountPlans
	caps       map[string]int
	defaultCap int
	audit      audit.AuditLogger
	log        *zap.Logger
}

// NewService returns a billing service. caps maps lower-case plan names to device caps; the free plan
// falls back to defaultCap when caps has no entry for it.
func NewService(plans AccountPlans, caps map[string]int, defaultCap int, auditLogger audit.AuditLogger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{plans: plans, caps: caps, defaultCap: defaultCap, audit: auditLogger, log: log}
}

// Apply handles one verified event. It returns a nil Change for events that do not affect plans.
func (s *Service) Apply(ctx context.Context, event stripe.Event) (*Change, error) {
	switch string(event.Type) {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
	default:
		return nil, nil
	}
	if event.Data == nil {
		return nil, errors.New("subscription event without data")
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, errors.New("subscription without customer")
	}
	change := &Change{CustomerID: sub.Customer.ID}
	if string(event.Type) == eventSubscriptionDeleted || ended(sub.Status) {
		change.Plan, change.DeviceCap = FreePlan, s.capFor(FreePlan)
	} else {
		change.Plan = planOf(&sub)
		limit, ok := s.caps[change.Plan]
		if change.Plan == "" || !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, change.Plan)
		}
		change.DeviceCap = limit
	}
	found, err := s.plans.UpdatePlanByStripeCustomer(ctx, change.CustomerID, change.Plan, change.DeviceCap)
	if err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	if !found {
		s.log.Warn("stripe customer not linked to an account", zap.String("customer_id", change.CustomerID))
		return change, nil
	}
	if s.audit != nil {
		meta, _ := json.Marshal(map[string]any{"customer_id": change.CustomerID, "plan": change.Plan, "device_cap": change.DeviceCap})
		s.audit.LogEvent(ctx, "", "", audit.ActionPlanChanged, "account", string(meta))
	}
	return change, nil
}

func (s *Service) capFor(plan string) int {
	if n, ok := s.caps[plan]; ok {
		return n
	}
	return s.defaultCap
}

func ended(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		return true
	}
	return false
}

// planOf reads the plan from subscription metadata, then the first item's price lookup key,
// then the price metadata.
func planOf(sub *stripe.Subscription) string {
	if p := sub.Metadata["plan"]; p != "" {
		return normalize(p)
	}
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if item.Price.LookupKey != "" {
			return normalize(item.Price.LookupKey)
		}
		if p := item.Price.Metadata["plan"]; p != "" {
			return normalize(p)
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Handler serves the Stripe webhook endpoint.
type Handler struct {
	svc    *Service
	secret string
	log    *zap.Logger
}

// NewHandler returns a webhook handler verifying signatures with secret.
func NewHandler(svc *Service, secret string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, secret: secret, log: log}
}

// Routes mounts the handler under /v1/billing.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/stripe/webhook", h.Webhook)
}

// Webhook handles POST /v1/billing/stripe/webhook.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "billing_disabled", "billing is not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "could not read body")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.Warn("stripe webhook signature rejected", zap.Error(err))
		httpx.WriteError(w, http.StatusBadRequest, "invalid_signature", "invalid signature")
		return
	}
	change, err := h.svc.Apply(r.Context(), event)
	if err != nil {
		if errors.Is(err, ErrUnknownPlan) {
			h.log.Warn("stripe webhook names unknown plan", zap.String("event_id", event.ID), zap.Error(err))
			httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.log.Error("stripe webhook", zap.String("event_id", event.ID), zap.String("type", string(event.Type)), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	if change != nil {
		h.log.Info("plan updated", zap.String("customer_id", change.CustomerID), zap.String("plan", change.Plan), zap.Int("device_cap", change.DeviceCap))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

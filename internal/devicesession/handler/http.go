package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"atlasvet/backend/internal/devicesession"
	"atlasvet/backend/internal/devicesession/domain"
	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/server/middleware"
)

// DevicePolicy is the part of devicesession.Policy used by the settings endpoints.
type DevicePolicy interface {
	List(ctx context.Context, accountID string) ([]*domain.DeviceSession, error)
	Revoke(ctx context.Context, accountID, id, actor string) error
	RevokeAllExcept(ctx context.Context, accountID, keepID, actor string) (int, error)
}

// Handler serves the signed-in devices of the caller.
type Handler struct {
	policy DevicePolicy
	log    *zap.Logger
	now    func() time.Time
}

// NewHandler returns a devices handler.
func NewHandler(policy DevicePolicy, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{policy: policy, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts the handler under /v1/devices. Requires authenticated requests.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/revoke-others", h.RevokeOthers)
	r.Post("/{id}/revoke", h.Revoke)
}

// List handles GET /v1/devices.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "Sign in to continue")
		return
	}
	list, err := h.policy.List(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("list devices", zap.String("account_id", id.AccountID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"devices": devicesession.NewViews(list, id.DeviceSessionID, h.now())})
}

// Revoke handles POST /v1/devices/{id}/revoke.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "Sign in to continue")
		return
	}
	deviceID := chi.URLParam(r, "id")
	err := h.policy.Revoke(r.Context(), id.AccountID, deviceID, id.AccountID)
	switch {
	case errors.Is(err, devicesession.ErrDeviceNotFound):
		httpx.WriteError(w, http.StatusNotFound, "device_not_found", "Device not found")
		return
	case err != nil:
		h.log.Error("revoke device", zap.String("account_id", id.AccountID), zap.String("device_session_id", deviceID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": deviceID})
}

// RevokeOthers handles POST /v1/devices/revoke-others: every device except the caller's.
func (h *Handler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "Sign in to continue")
		return
	}
	n, err := h.policy.RevokeAllExcept(r.Context(), id.AccountID, id.DeviceSessionID, id.AccountID)
	if err != nil {
		h.log.Error("revoke other devices", zap.String("account_id", id.AccountID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked_count": n})
}

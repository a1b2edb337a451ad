// Package handler serves GET /dev/mfa/otp. Only mounted when dev OTP mode is enabled and not production.
package handler

import (
	"net/http"

	"atlasvet/backend/internal/devotp"
	"atlasvet/backend/internal/platform/httpx"
)

const devOTPNote = "DEV MODE ONLY"

// Handler reads OTPs from the dev store.
type Handler struct {
	store devotp.Store
}

// NewHandler returns a dev OTP handler backed by store.
func NewHandler(store devotp.Store) *Handler {
	return &Handler{store: store}
}

// GetOTP returns the plain OTP for ?challenge_id=. 404 if missing or expired.
func (h *Handler) GetOTP(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	if challengeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "challenge_id is required")
		return
	}
	otp, ok := h.store.Get(r.Context(), challengeID)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "OTP not found or expired")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"otp": otp, "note": devOTPNote})
}

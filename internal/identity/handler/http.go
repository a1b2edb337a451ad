// Package handler serves the login API over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/devicesession"
	devicedomain "atlasvet/backend/internal/devicesession/domain"
	"atlasvet/backend/internal/identity/service"
	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/server/middleware"
)

// LoginAPI is the part of service.LoginService the handler calls.
type LoginAPI interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error)
	VerifyOTP(ctx context.Context, intentID, code string) (*service.LoginResult, error)
	VerifyBackupCode(ctx context.Context, intentID, code string) (*service.LoginResult, error)
	ResumeLogin(ctx context.Context, intentID string) (*service.LoginResult, error)
	RevokeForLogin(ctx context.Context, intentID, deviceSessionID string) error
	SelectClinic(ctx context.Context, intentID, clinicID string) (*service.LoginResult, error)
	Register(ctx context.Context, req service.RegisterRequest) (*accountdomain.Account, error)
	Refresh(ctx context.Context, refreshToken string) (*service.Tokens, error)
	Logout(ctx context.Context, refreshToken string) error
	RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error)
	CallbackURL(provider string) (string, error)
}

// Handler serves /v1/auth and /v1/mfa.
type Handler struct {
	svc LoginAPI
	log *zap.Logger
	now func() time.Time
}

// NewHandler returns a login handler.
func NewHandler(svc LoginAPI, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts the public auth endpoints under /v1/auth.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/login/otp", h.VerifyOTP)
	r.Post("/login/backup-code", h.VerifyBackupCode)
	r.Post("/login/resume", h.Resume)
	r.Post("/login/clinic", h.SelectClinic)
	r.Post("/login/devices/{id}/revoke", h.RevokeForLogin)
	r.Post("/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
	r.Get("/oauth/{provider}/callback-url", h.CallbackURL)
}

// MFARoutes mounts the authenticated MFA settings under /v1/mfa.
func (h *Handler) MFARoutes(r chi.Router) {
	r.Post("/backup-codes", h.RegenerateBackupCodes)
}

type deviceBody struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	// Trusted is the client's claim that it holds an unexpired trusted-device record for Fingerprint.
	Trusted bool `json:"trusted"`
}

type loginBody struct {
	Email          string     `json:"email"`
	Password       string     `json:"password"`
	ClinicID       string     `json:"clinic_id"`
	Device         deviceBody `json:"device"`
	RememberDevice bool       `json:"remember_device"`
	RememberMe     bool       `json:"remember_me"`
}

type intentBody struct {
	IntentID string `json:"intent_id"`
	Code     string `json:"code"`
	ClinicID string `json:"clinic_id"`
}

type clinicView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokensView is an issued session as returned to clients.
type TokensView struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	SessionID       string    `json:"session_id"`
	AccountID       string    `json:"account_id"`
	ClinicID        string    `json:"clinic_id"`
	DeviceSessionID string    `json:"device_session_id,omitempty"`
}

type loginView struct {
	Status        service.Status       `json:"status"`
	IntentID      string               `json:"intent_id,omitempty"`
	ChallengeID   string               `json:"challenge_id,omitempty"`
	ActiveDevices []devicesession.View `json:"active_devices,omitempty"`
	Clinics       []clinicView         `json:"clinics,omitempty"`
	*TokensView
	// Set on the 409 device_limit response so clients can treat it as an error body too.
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Login handles POST /v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	res, err := h.svc.Login(r.Context(), service.LoginRequest{
		Email:    body.Email,
		Password: body.Password,
		ClinicID: body.ClinicID,
		Device: devicedomain.Metadata{
			Fingerprint: strings.TrimSpace(body.Device.Fingerprint),
			Name:        body.Device.Name,
			IP:          httpx.ClientIP(r),
			UserAgent:   r.UserAgent(),
		},
		RememberDevice: body.RememberDevice,
		RememberMe:     body.RememberMe,
		TrustedDevice:  body.Device.Trusted,
	})
	h.writeResult(w, "login", res, err)
}

// VerifyOTP handles POST /v1/auth/login/otp.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	res, err := h.svc.VerifyOTP(r.Context(), body.IntentID, body.Code)
	h.writeResult(w, "verify otp", res, err)
}

// VerifyBackupCode handles POST /v1/auth/login/backup-code.
func (h *Handler) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	res, err := h.svc.VerifyBackupCode(r.Context(), body.IntentID, body.Code)
	h.writeResult(w, "verify backup code", res, err)
}

// Resume handles POST /v1/auth/login/resume after the user freed a device slot.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	res, err := h.svc.ResumeLogin(r.Context(), body.IntentID)
	h.writeResult(w, "resume login", res, err)
}

// SelectClinic handles POST /v1/auth/login/clinic.
func (h *Handler) SelectClinic(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	res, err := h.svc.SelectClinic(r.Context(), body.IntentID, body.ClinicID)
	h.writeResult(w, "select clinic", res, err)
}

// RevokeForLogin handles POST /v1/auth/login/devices/{id}/revoke. The intent id authorizes the call.
func (h *Handler) RevokeForLogin(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	deviceID := chi.URLParam(r, "id")
	if err := h.svc.RevokeForLogin(r.Context(), body.IntentID, deviceID); err != nil {
		h.writeError(w, "revoke device during login", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": deviceID})
}

// Register handles POST /v1/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		Name       string `json:"name"`
		ClinicName string `json:"clinic_name"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	acct, err := h.svc.Register(r.Context(), service.RegisterRequest{
		Email: body.Email, Password: body.Password, Name: body.Name, ClinicName: body.ClinicName,
	})
	if err != nil {
		h.writeError(w, "register", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"account_id": acct.ID, "email": acct.Email})
}

// Refresh handles POST /v1/auth/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	tokens, err := h.svc.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeError(w, "refresh", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newTokensView(tokens))
}

// Logout handles POST /v1/auth/logout with a refresh token in the body or a bearer access token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed request body")
		return
	}
	if err := h.svc.Logout(r.Context(), body.RefreshToken); err != nil {
		h.writeError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CallbackURL handles GET /v1/auth/oauth/{provider}/callback-url.
func (h *Handler) CallbackURL(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.CallbackURL(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, "oauth callback url", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"callback_url": u})
}

// RegenerateBackupCodes handles POST /v1/mfa/backup-codes. The codes are shown once.
func (h *Handler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "Sign in to continue")
		return
	}
	codes, err := h.svc.RegenerateBackupCodes(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, "regenerate backup codes", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *Handler) writeResult(w http.ResponseWriter, op string, res *service.LoginResult, err error) {
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	view := loginView{Status: res.Status, IntentID: res.IntentID, ChallengeID: res.ChallengeID}
	for _, c := range res.Clinics {
		view.Clinics = append(view.Clinics, clinicView{ID: c.ID, Name: c.Name})
	}
	if res.Tokens != nil {
		view.TokensView = newTokensView(res.Tokens)
	}
	status := http.StatusOK
	if res.Status == service.StatusDeviceLimit {
		status = http.StatusConflict
		view.ActiveDevices = devicesession.NewViews(res.ActiveDevices, "", h.now())
		view.Error = "device_limit"
		view.Message = "You are signed in on too many devices. Sign out of one to continue."
	}
	httpx.WriteJSON(w, status, view)
}

func newTokensView(t *service.Tokens) *TokensView {
	return &TokensView{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		ExpiresAt:       t.ExpiresAt,
		SessionID:       t.SessionID,
		AccountID:       t.AccountID,
		ClinicID:        t.ClinicID,
		DeviceSessionID: t.DeviceSessionID,
	}
}

// writeError maps service errors to status codes. Only client-safe text leaves the process.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var re *service.RetryError
	switch {
	case errors.As(err, &re):
		status, code, msg := http.StatusTooManyRequests, "rate_limited", "Too many attempts. Try again later."
		if errors.Is(err, service.ErrLocked) {
			status, code, msg = http.StatusLocked, "locked", "Too many failed attempts. Sign-in is temporarily locked."
		}
		minutes := re.MinutesRemaining(h.now())
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		httpx.WriteJSON(w, status, httpx.ErrorBody{Error: code, Message: msg, RetryAfterMinutes: minutes})
	case errors.Is(err, service.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": ")
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, service.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Incorrect email or password")
	case errors.Is(err, service.ErrInvalidCode):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_code", "That code is incorrect or has expired")
	case errors.Is(err, service.ErrIntentExpired):
		httpx.WriteError(w, http.StatusUnauthorized, "login_expired", "Your sign-in expired. Sign in again.")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_refresh_token", "Session expired. Sign in again.")
	case errors.Is(err, service.ErrRefreshTokenReuse):
		httpx.WriteError(w, http.StatusUnauthorized, "refresh_token_reuse", "Session expired. Sign in again.")
	case errors.Is(err, service.ErrNotClinicMember):
		httpx.WriteError(w, http.StatusForbidden, "not_clinic_member", "You are not a member of that clinic")
	case errors.Is(err, service.ErrNoClinic):
		httpx.WriteError(w, http.StatusForbidden, "no_clinic", "Your account is not linked to a clinic yet")
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		httpx.WriteError(w, http.StatusConflict, "email_taken", "An account with that email already exists")
	case errors.Is(err, service.ErrDeviceNotFound):
		httpx.WriteError(w, http.StatusNotFound, "device_not_found", "Device not found")
	case errors.Is(err, service.ErrUnknownProvider):
		httpx.WriteError(w, http.StatusNotFound, "unknown_provider", "Sign-in provider not supported")
	case errors.Is(err, service.ErrDeliveryFailed):
		h.log.Error(op, zap.Error(err))
		httpx.WriteError(w, http.StatusBadGateway, "delivery_failed", "We could not send your sign-in code. Try again.")
	default:
		h.log.Error(op, zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
	}
}

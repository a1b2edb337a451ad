package analysis

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/platform/rbac"
)

// Handler serves case analysis to clinic members.
type Handler struct {
	svc     *Service
	members rbac.ClinicMembershipGetter
	log     *zap.Logger
}

// NewHandler returns an analysis handler.
func NewHandler(svc *Service, members rbac.ClinicMembershipGetter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, members: members, log: log}
}

// Routes mounts the handler under /v1/analysis.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/recordings", h.Analyze)
	r.Get("/consults/{id}/history", h.History)
}

// Analyze handles POST /v1/analysis/recordings.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicMember(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Request body is not valid JSON")
		return
	}
	text, err := h.svc.Analyze(r.Context(), m.ClinicID, m.AccountID, req)
	if err != nil {
		h.log.Error("analyze recording", zap.String("consult_id", req.ConsultID), zap.Error(err))
		if errors.Is(err, ErrNotConfigured) {
			httpx.WriteError(w, http.StatusServiceUnavailable, "analysis_unavailable", "Analysis is not available")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "An error occurred processing your request")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"analysis": text})
}

// History handles GET /v1/analysis/consults/{id}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicMember(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	list, err := h.svc.History(r.Context(), m.ClinicID, chi.URLParam(r, "id"))
	if err != nil {
		h.log.Error("consult history", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	if list == nil {
		list = []*Exchange{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"exchanges": list})
}

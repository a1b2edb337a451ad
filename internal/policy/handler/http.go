package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/platform/rbac"
	"atlasvet/backend/internal/policy/domain"
	"atlasvet/backend/internal/policy/engine"
	"atlasvet/backend/internal/policy/repository"
)

// Handler lets clinic admins manage their clinic's sign-in policies.
type Handler struct {
	repo    repository.Repository
	members rbac.ClinicMembershipGetter
	log     *zap.Logger
	now     func() time.Time
}

// NewHandler returns a policy handler.
func NewHandler(repo repository.Repository, members rbac.ClinicMembershipGetter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repo: repo, members: members, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts the handler under /v1/policies.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

type policyJSON struct {
	ID        string    `json:"id"`
	Rules     string    `json:"rules"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type policyRequest struct {
	Rules   string `json:"rules"`
	Enabled *bool  `json:"enabled"`
}

func toJSON(p *domain.Policy) policyJSON {
	return policyJSON{ID: p.ID, Rules: p.Rules, Enabled: p.Enabled, CreatedAt: p.CreatedAt}
}

// List handles GET /v1/policies.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicAdmin(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	list, err := h.repo.ListByClinic(r.Context(), m.ClinicID)
	if err != nil {
		h.internal(w, "list policies", err)
		return
	}
	out := make([]policyJSON, len(list))
	for i, p := range list {
		out[i] = toJSON(p)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"policies": out})
}

// Create handles POST /v1/policies. Rules must compile.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicAdmin(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	var req policyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Request body is not valid JSON")
		return
	}
	if !h.validRules(w, req.Rules) {
		return
	}
	p := &domain.Policy{ID: uuid.New().String(), ClinicID: m.ClinicID, Rules: req.Rules, Enabled: true, CreatedAt: h.now()}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := h.repo.Create(r.Context(), p); err != nil {
		h.internal(w, "create policy", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toJSON(p))
}

// Update handles PUT /v1/policies/{id}. Empty rules keep the current module.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicAdmin(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	p, ok := h.load(w, r, m.ClinicID)
	if !ok {
		return
	}
	var req policyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "Request body is not valid JSON")
		return
	}
	if req.Rules != "" {
		if !h.validRules(w, req.Rules) {
			return
		}
		p.Rules = req.Rules
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := h.repo.Update(r.Context(), p); err != nil {
		h.internal(w, "update policy", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toJSON(p))
}

// Delete handles DELETE /v1/policies/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicAdmin(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	p, ok := h.load(w, r, m.ClinicID)
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), p.ID); err != nil {
		h.internal(w, "delete policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// load fetches the path policy. Policies of other clinics are reported as not found.
func (h *Handler) load(w http.ResponseWriter, r *http.Request, clinicID string) (*domain.Policy, bool) {
	p, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.internal(w, "get policy", err)
		return nil, false
	}
	if p == nil || p.ClinicID != clinicID {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "Policy not found")
		return nil, false
	}
	return p, true
}

func (h *Handler) validRules(w http.ResponseWriter, rules string) bool {
	if rules == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "rules are required")
		return false
	}
	if err := engine.Validate(rules); err != nil {
		if errors.Is(err, engine.ErrInvalidPolicy) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_policy", err.Error())
			return false
		}
		h.internal(w, "validate policy", err)
		return false
	}
	return true
}

func (h *Handler) internal(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, zap.Error(err))
	httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
}

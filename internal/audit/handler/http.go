package handler

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	auditrepo "atlasvet/backend/internal/audit/repository"
	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/platform/rbac"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler serves the clinic audit log to clinic admins.
type Handler struct {
	repo    auditrepo.Repository
	members rbac.ClinicMembershipGetter
	log     *zap.Logger
}

// NewHandler returns an audit log handler.
func NewHandler(repo auditrepo.Repository, members rbac.ClinicMembershipGetter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repo: repo, members: members, log: log}
}

type auditLogJSON struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// List handles GET /v1/audit?limit=&offset= for the caller's clinic.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	m, err := rbac.RequireClinicAdmin(r.Context(), h.members)
	if err != nil {
		rbac.WriteError(w, err)
		return
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.ListByClinic(r.Context(), m.ClinicID, int32(limit), int32(offset))
	if err != nil {
		h.log.Error("list audit logs", zap.String("clinic_id", m.ClinicID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
		return
	}
	out := make([]auditLogJSON, len(list))
	for i, a := range list {
		out[i] = auditLogJSON{ID: a.ID, AccountID: a.AccountID, Action: a.Action, Resource: a.Resource,
			IP: a.IP, Metadata: a.Metadata, CreatedAt: a.CreatedAt}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"logs": out, "limit": limit, "offset": offset})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"atlasvet/backend/internal/platform/httpx"
)

// HTTP serves /healthz (process up) and /readyz (dependencies reachable).
type HTTP struct {
	checker *Checker
	log     *zap.Logger
}

// NewHTTP returns the health HTTP handler.
func NewHTTP(checker *Checker, log *zap.Logger) *HTTP {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTP{checker: checker, log: log}
}

// Routes mounts the health endpoints on r.
func (h *HTTP) Routes(r chi.Router) {
	r.Get("/healthz", h.live)
	r.Get("/readyz", h.ready)
}

func (h *HTTP) live(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) ready(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		if err := h.checker.Ready(r.Context()); err != nil {
			h.log.Warn("readiness check failed", zap.Error(err))
			httpx.WriteError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"atlasvet/backend/internal/audit"
	"atlasvet/backend/internal/platform/httpx"
)

// ClientIP stores the request's client IP for audit.ContextIP.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithClientIP(r.Context(), httpx.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Audit records one entry per authenticated mutating request that succeeded, with action and resource
// derived from the chi route pattern. Paths in skip (route patterns) are not audited; handlers that
// write their own entries are listed there.
func Audit(logger audit.AuditLogger, skip map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrap(w)
			next.ServeHTTP(sw, r)
			if logger == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				return
			}
			if sw.status >= http.StatusBadRequest {
				return
			}
			id, ok := IdentityFrom(r.Context())
			if !ok || id.ClinicID == "" {
				return
			}
			pattern := routePattern(r)
			if skip[pattern] {
				return
			}
			ar := audit.ParseRoute(r.Method, pattern)
			logger.LogEvent(r.Context(), id.ClinicID, id.AccountID, ar.Action, ar.Resource, "")
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

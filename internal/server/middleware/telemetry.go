package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/telemetry"
)

// httpRequestMetadata is the JSON shape stored in SecurityEvent.Metadata for http_request events.
type httpRequestMetadata struct {
	Method     string `json:"method"`
	Route      string `json:"route"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Telemetry emits an http_request event after each request. Emission is asynchronous and best-effort.
// If emitter is nil the middleware only passes through. Route patterns in skip are not emitted.
func Telemetry(emitter telemetry.EventEmitter, skip map[string]bool, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)
			if emitter == nil {
				return
			}
			route := routePattern(r)
			if skip[route] {
				return
			}
			ev := telemetry.NewEvent(telemetry.EventHTTPRequest, "http_middleware", httpRequestMetadata{
				Method:     r.Method,
				Route:      route,
				StatusCode: sw.status,
				DurationMs: time.Since(start).Milliseconds(),
			})
			ev.IP = httpx.ClientIP(r)
			if id, ok := IdentityFrom(r.Context()); ok {
				ev.AccountID, ev.ClinicID, ev.SessionID, ev.DeviceSessionID = id.AccountID, id.ClinicID, id.SessionID, id.DeviceSessionID
			}
			telemetry.EmitAsync(log, emitter, ev)
		})
	}
}

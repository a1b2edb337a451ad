package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"atlasvet/backend/internal/audit"
	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/security"
	"atlasvet/backend/internal/telemetry"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body httpx.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "internal" {
		t.Errorf("error = %q, want internal", body.Error)
	}
}

func TestRecoverJSON_AfterWrite(t *testing.T) {
	h := RecoverJSON(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 kept", rec.Code)
	}
}

func TestRequestLog_PassesThrough(t *testing.T) {
	h := RequestLog(nil)(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Middleware(http.HandlerFunc(okHandler))
	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
	if code := do("10.0.0.2"); code != http.StatusOK {
		t.Errorf("other ip status = %d, want 200", code)
	}
	now = now.Add(time.Second)
	if code := do("10.0.0.1"); code != http.StatusOK {
		t.Errorf("after refill status = %d, want 200", code)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("disabled limiter should allow")
		}
	}
}

func TestRateLimiter_DropsIdle(t *testing.T) {
	l := NewRateLimiter(1, 1, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	now = now.Add(limiterIdleTTL + time.Second)
	l.Allow("10.0.0.2")
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle bucket should be dropped")
	}
}

func TestAuthenticate(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	sub := security.Subject{SessionID: "s1", AccountID: "a1", ClinicID: "c1", DeviceSessionID: "d1"}
	token, _, err := tokens.IssueAccess(sub)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	var got Identity
	var found bool
	h := Authenticate(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !found {
		t.Fatal("identity not set for valid token")
	}
	want := Identity{AccountID: "a1", ClinicID: "c1", SessionID: "s1", DeviceSessionID: "d1"}
	if got != want {
		t.Errorf("identity = %+v, want %+v", got, want)
	}

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt"} {
		found = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if found {
			t.Errorf("header %q should leave caller anonymous", header)
		}
	}
}

func TestAuthenticate_RejectsRefreshToken(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	refresh, _, _, err := tokens.IssueRefresh(security.Subject{SessionID: "s1", AccountID: "a1"}, 0)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	h := Authenticate(tokens)(RequireAuth(http.HandlerFunc(okHandler)))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	h := RequireAuth(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{AccountID: "a1"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	var got string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = audit.ContextIP(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "192.0.2.7" {
		t.Errorf("ContextIP = %q, want 192.0.2.7", got)
	}
}

type auditCall struct {
	clinicID, accountID, action, resource string
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAudit) LogEvent(ctx context.Context, clinicID, accountID, action, resource, metadata string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{clinicID, accountID, action, resource})
}

func withID(id Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func auditRouter(logger audit.AuditLogger, id *Identity, skip map[string]bool) http.Handler {
	r := chi.NewRouter()
	if id != nil {
		r.Use(withID(*id))
	}
	r.Use(Audit(logger, skip))
	r.Post("/v1/policies", okHandler)
	r.Delete("/v1/policies/{id}", okHandler)
	r.Get("/v1/policies", okHandler)
	r.Post("/v1/fail", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "bad")
	})
	r.Post("/v1/auth/logout", okHandler)
	return r
}

func TestAudit(t *testing.T) {
	logger := &fakeAudit{}
	id := Identity{AccountID: "a1", ClinicID: "c1", SessionID: "s1"}
	h := auditRouter(logger, &id, map[string]bool{"/v1/auth/logout": true})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/policies"},
		{http.MethodDelete, "/v1/policies/p1"},
		{http.MethodGet, "/v1/policies"},
		{http.MethodPost, "/v1/fail"},
		{http.MethodPost, "/v1/auth/logout"},
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))
	}
	want := []auditCall{
		{"c1", "a1", "create", "policy"},
		{"c1", "a1", "delete", "policy"},
	}
	if len(logger.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", logger.calls, want)
	}
	for i := range want {
		if logger.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, logger.calls[i], want[i])
		}
	}
}

func TestAudit_Anonymous(t *testing.T) {
	logger := &fakeAudit{}
	h := auditRouter(logger, nil, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/policies", nil))
	if len(logger.calls) != 0 {
		t.Errorf("anonymous request audited: %+v", logger.calls)
	}
}

type chanEmitter struct {
	ch chan *telemetry.SecurityEvent
}

func (e *chanEmitter) Emit(ctx context.Context, ev *telemetry.SecurityEvent) error {
	e.ch <- ev
	return nil
}

func TestTelemetry(t *testing.T) {
	em := &chanEmitter{ch: make(chan *telemetry.SecurityEvent, 4)}
	r := chi.NewRouter()
	r.Use(withID(Identity{AccountID: "a1", ClinicID: "c1", SessionID: "s1"}))
	r.Use(Telemetry(em, map[string]bool{"/healthz": true}, nil))
	r.Get("/v1/devices/{id}", okHandler)
	r.Get("/healthz", okHandler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/devices/d9", nil))

	select {
	case ev := <-em.ch:
		if ev.Type != telemetry.EventHTTPRequest {
			t.Errorf("type = %q", ev.Type)
		}
		if ev.AccountID != "a1" || ev.ClinicID != "c1" {
			t.Errorf("identity not copied: %+v", ev)
		}
		var meta httpRequestMetadata
		if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta.Route != "/v1/devices/{id}" || meta.StatusCode != http.StatusOK {
			t.Errorf("metadata = %+v", meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
	select {
	case ev := <-em.ch:
		t.Errorf("skipped route emitted: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelemetry_NilEmitter(t *testing.T) {
	h := Telemetry(nil, nil, nil)(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

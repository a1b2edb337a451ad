package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/policy/domain"
	"atlasvet/backend/internal/policy/engine"
	"atlasvet/backend/internal/server/middleware"
)

type memRepo struct {
	mu sync.Mutex
	m  map[string]*domain.Policy
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) ListByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Policy
	for _, p := range r.m {
		if p.ClinicID == clinicID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) ListEnabledByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error) {
	return r.ListByClinic(ctx, clinicID)
}

func (r *memRepo) Create(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.m[p.ID] = &cp
	return nil
}

func (r *memRepo) Update(ctx context.Context, p *domain.Policy) error { return r.Create(ctx, p) }

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

type fakeMembers map[string]clinicdomain.Role

func (f fakeMembers) GetMembership(ctx context.Context, accountID, clinicID string) (*clinicdomain.Membership, error) {
	role, ok := f[accountID+":"+clinicID]
	if !ok {
		return nil, nil
	}
	return &clinicdomain.Membership{AccountID: accountID, ClinicID: clinicID, Role: role}, nil
}

func newServer(repo *memRepo) http.Handler {
	h := NewHandler(repo, fakeMembers{"admin:c1": clinicdomain.RoleAdmin, "vet:c1": clinicdomain.RoleMember}, nil)
	r := chi.NewRouter()
	r.Route("/v1/policies", h.Routes)
	return r
}

func do(t *testing.T, srv http.Handler, accountID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(middleware.WithIdentity(req.Context(), middleware.Identity{AccountID: accountID, ClinicID: "c1"}))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateUpdateDelete(t *testing.T) {
	repo := &memRepo{m: make(map[string]*domain.Policy)}
	srv := newServer(repo)
	body, _ := json.Marshal(map[string]any{"rules": engine.DefaultRegoPolicy})

	rec := do(t, srv, "admin", http.MethodPost, "/v1/policies/", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	var created policyJSON
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if !created.Enabled || created.ID == "" {
		t.Errorf("created = %+v", created)
	}

	rec = do(t, srv, "admin", http.MethodPut, "/v1/policies/"+created.ID, `{"enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if p, _ := repo.GetByID(context.Background(), created.ID); p.Enabled || p.Rules != engine.DefaultRegoPolicy {
		t.Errorf("after update = %+v", p)
	}

	rec = do(t, srv, "admin", http.MethodDelete, "/v1/policies/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(repo.m) != 0 {
		t.Errorf("policies left = %d", len(repo.m))
	}
}

func TestHandler_RejectsInvalidRules(t *testing.T) {
	srv := newServer(&memRepo{m: make(map[string]*domain.Policy)})
	rec := do(t, srv, "admin", http.MethodPost, "/v1/policies/", `{"rules": "package other\n\nx := 1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_policy") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHandler_OtherClinicPolicyNotFound(t *testing.T) {
	repo := &memRepo{m: map[string]*domain.Policy{"p9": {ID: "p9", ClinicID: "c9", Rules: "x"}}}
	rec := do(t, newServer(repo), "admin", http.MethodDelete, "/v1/policies/p9", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if _, ok := repo.m["p9"]; !ok {
		t.Error("policy of another clinic deleted")
	}
}

func TestHandler_MemberForbidden(t *testing.T) {
	rec := do(t, newServer(&memRepo{m: make(map[string]*domain.Policy)}), "vet", http.MethodGet, "/v1/policies/", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

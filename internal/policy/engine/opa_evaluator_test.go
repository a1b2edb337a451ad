package engine

import (
	"context"
	"errors"
	"testing"

	accountdomain "atlasvet/backend/internal/account/domain"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/policy/domain"
)

type mockPolicyRepo struct {
	policies map[string][]*domain.Policy
	err      error
}

func (m *mockPolicyRepo) ListEnabledByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.policies[clinicID], nil
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	if err := NewOPAEvaluator(nil, false, nil).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	plain := &clinicdomain.Clinic{ID: "c1"}
	strict := &clinicdomain.Clinic{ID: "c2", RequireMFA: true}
	tests := []struct {
		name      string
		account   *accountdomain.Account
		clinics   []*clinicdomain.Clinic
		alwaysMFA bool
		want      bool
	}{
		{"no flags", &accountdomain.Account{ID: "a"}, []*clinicdomain.Clinic{plain}, false, false},
		{"account flag", &accountdomain.Account{ID: "a", MFARequired: true}, []*clinicdomain.Clinic{plain}, false, true},
		{"clinic flag", &accountdomain.Account{ID: "a"}, []*clinicdomain.Clinic{plain, strict}, false, true},
		{"platform always", &accountdomain.Account{ID: "a"}, []*clinicdomain.Clinic{plain}, true, true},
		{"no clinics", &accountdomain.Account{ID: "a"}, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewOPAEvaluator(&mockPolicyRepo{}, tt.alwaysMFA, nil)
			got, err := e.RequiresElevatedAuth(ctx, tt.account, tt.clinics)
			if err != nil {
				t.Fatalf("RequiresElevatedAuth: %v", err)
			}
			if got != tt.want {
				t.Errorf("RequiresElevatedAuth = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOPAEvaluator_ClinicPolicyReplacesDefault(t *testing.T) {
	ctx := context.Background()
	adminsOnly := `package atlas.auth

default requires_elevated_auth := false

requires_elevated_auth if {
	input.account.role == "admin"
}
`
	repo := &mockPolicyRepo{policies: map[string][]*domain.Policy{
		"c1": {{ID: "p1", ClinicID: "c1", Rules: adminsOnly, Enabled: true}},
	}}
	e := NewOPAEvaluator(repo, false, nil)
	clinics := []*clinicdomain.Clinic{{ID: "c1", RequireMFA: true}}

	// The clinic flag is ignored once the clinic has its own policy.
	got, err := e.RequiresElevatedAuth(ctx, &accountdomain.Account{ID: "a", Role: "clinician"}, clinics)
	if err != nil || got {
		t.Errorf("clinician = %v, %v; want false", got, err)
	}
	got, err = e.RequiresElevatedAuth(ctx, &accountdomain.Account{ID: "a", Role: "admin"}, clinics)
	if err != nil || !got {
		t.Errorf("admin = %v, %v; want true", got, err)
	}
}

func TestOPAEvaluator_BrokenPolicyFallsBack(t *testing.T) {
	ctx := context.Background()
	repo := &mockPolicyRepo{policies: map[string][]*domain.Policy{
		"c1": {{ID: "p1", ClinicID: "c1", Rules: "package atlas.auth\n\nthis is not rego", Enabled: true}},
	}}
	e := NewOPAEvaluator(repo, false, nil)
	got, err := e.RequiresElevatedAuth(ctx, &accountdomain.Account{ID: "a", MFARequired: true}, []*clinicdomain.Clinic{{ID: "c1"}})
	if err != nil {
		t.Fatalf("RequiresElevatedAuth: %v", err)
	}
	if !got {
		t.Error("fallback should honour the account flag")
	}
}

func TestOPAEvaluator_RepoErrorUsesDefault(t *testing.T) {
	e := NewOPAEvaluator(&mockPolicyRepo{err: errors.New("db down")}, false, nil)
	got, err := e.RequiresElevatedAuth(context.Background(), &accountdomain.Account{ID: "a"}, []*clinicdomain.Clinic{{ID: "c1", RequireMFA: true}})
	if err != nil || !got {
		t.Errorf("RequiresElevatedAuth = %v, %v; want true", got, err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(DefaultRegoPolicy); err != nil {
		t.Errorf("Validate(default) = %v", err)
	}
	if err := Validate("package other\n\nx := 1\n"); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("wrong package err = %v", err)
	}
	if err := Validate("package atlas.auth\n\nallow if {"); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("syntax err = %v", err)
	}
}

func TestFallback(t *testing.T) {
	if Fallback(&accountdomain.Account{}, nil, false) {
		t.Error("no flags should not require MFA")
	}
	if !Fallback(nil, []*clinicdomain.Clinic{{RequireMFA: true}}, false) {
		t.Error("clinic flag should require MFA")
	}
}

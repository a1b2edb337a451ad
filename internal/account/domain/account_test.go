package domain

import "testing"

func TestAccount_Validate(t *testing.T) {
	a := &Account{Email: "  Vet@Clinic.COM ", PasswordHash: "h", DeviceCap: 2}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Email != "vet@clinic.com" {
		t.Errorf("Email = %q, want vet@clinic.com", a.Email)
	}
	if a.Status != StatusActive || a.Role != "clinician" || a.Plan != "free" {
		t.Errorf("defaults = %q %q %q", a.Status, a.Role, a.Plan)
	}

	tests := []struct {
		name string
		a    Account
	}{
		{"no email", Account{PasswordHash: "h", DeviceCap: 1}},
		{"no hash", Account{Email: "a@b.c", DeviceCap: 1}},
		{"zero cap", Account{Email: "a@b.c", PasswordHash: "h"}},
		{"cap below -1", Account{Email: "a@b.c", PasswordHash: "h", DeviceCap: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.a.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestAccount_Active(t *testing.T) {
	var nilAcct *Account
	if nilAcct.Active() {
		t.Error("nil account should not be active")
	}
	if (&Account{Status: StatusDisabled}).Active() {
		t.Error("disabled account should not be active")
	}
	if !(&Account{Status: StatusActive}).Active() {
		t.Error("active account should be active")
	}
}

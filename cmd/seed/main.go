// seed inserts development sample data for local testing. Idempotent: does nothing when
// vet@clinic.com already exists.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	accountrepo "atlasvet/backend/internal/account/repository"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	clinicrepo "atlasvet/backend/internal/clinic/repository"
	"atlasvet/backend/internal/config"
	"atlasvet/backend/internal/db"
	"atlasvet/backend/internal/logger"
	"atlasvet/backend/internal/mfa"
	mfarepo "atlasvet/backend/internal/mfa/repository"
	policydomain "atlasvet/backend/internal/policy/domain"
	"atlasvet/backend/internal/policy/engine"
	policyrepo "atlasvet/backend/internal/policy/repository"
	"atlasvet/backend/internal/security"
)

const (
	vetEmail       = "vet@clinic.com"
	memberEmail    = "member@clinic.com"
	devPassword    = "Atlas-dev-2024!"
	vetID          = "dev-account-001"
	memberID       = "dev-account-002"
	northClinicID  = "dev-clinic-north"
	southClinicID  = "dev-clinic-south"
	devPolicyID    = "dev-policy-001"
	devCustomerID  = "cus_dev_atlas"
	membershipBase = "dev-membership-"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(context.Background(), cfg, log); err != nil {
		log.Fatal("seed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	accounts := accountrepo.NewPostgresRepository(conn)
	clinics := clinicrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)

	existing, err := accounts.GetByEmail(ctx, vetEmail)
	if err != nil {
		return fmt.Errorf("seed check: %w", err)
	}
	if existing != nil {
		log.Info("seed already applied, skipping", zap.String("email", vetEmail))
		return nil
	}

	hash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(devPassword))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()

	for _, a := range []*accountdomain.Account{
		{ID: vetID, Email: vetEmail, Name: "Dr. Dev Vet", PasswordHash: hash, MFARequired: true, DeviceCap: cfg.DefaultDeviceCap, CreatedAt: now, UpdatedAt: now},
		{ID: memberID, Email: memberEmail, Name: "Dev Technician", PasswordHash: hash, DeviceCap: cfg.DefaultDeviceCap, CreatedAt: now, UpdatedAt: now},
	} {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("account %s: %w", a.Email, err)
		}
		if err := accounts.Create(ctx, a); err != nil {
			return fmt.Errorf("create account %s: %w", a.Email, err)
		}
	}
	if err := accounts.SetStripeCustomer(ctx, vetID, devCustomerID); err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}

	for _, c := range []*clinicdomain.Clinic{
		{ID: northClinicID, Name: "North Paws Veterinary", Status: clinicdomain.StatusActive, CreatedAt: now},
		{ID: southClinicID, Name: "South Bay Animal Hospital", RequireMFA: true, Status: clinicdomain.StatusActive, CreatedAt: now},
	} {
		if err := clinics.Create(ctx, c); err != nil {
			return fmt.Errorf("create clinic %s: %w", c.Name, err)
		}
	}
	for i, m := range []*clinicdomain.Membership{
		{AccountID: vetID, ClinicID: northClinicID, Role: clinicdomain.RoleOwner},
		{AccountID: vetID, ClinicID: southClinicID, Role: clinicdomain.RoleAdmin},
		{AccountID: memberID, ClinicID: northClinicID, Role: clinicdomain.RoleMember},
	} {
		m.ID = fmt.Sprintf("%s%03d", membershipBase, i+1)
		m.CreatedAt = now
		if err := clinics.AddMember(ctx, m); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
	}

	if err := policies.Create(ctx, &policydomain.Policy{
		ID:        devPolicyID,
		ClinicID:  southClinicID,
		Rules:     engine.DefaultRegoPolicy,
		Enabled:   true,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("create policy: %w", err)
	}

	gate := mfa.NewGate(mfarepo.NewPostgresRepository(conn), nil, nil, 0, log)
	codes, err := gate.RegenerateBackupCodes(ctx, vetID)
	if err != nil {
		return fmt.Errorf("backup codes: %w", err)
	}

	log.Info("seed completed")
	fmt.Printf("Clinician login (MFA, two clinics): %s / %s\n", vetEmail, devPassword)
	fmt.Printf("Member login: %s / %s\n", memberEmail, devPassword)
	fmt.Println("Backup codes for", vetEmail+":")
	for _, c := range codes {
		fmt.Println("  " + c)
	}
	return nil
}

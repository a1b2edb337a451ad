package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlasvet/backend/internal/devotp"
	"atlasvet/backend/internal/mfa/domain"
	"atlasvet/backend/internal/mfa/repository"
	"atlasvet/backend/internal/security"
)

// ErrDeliveryFailed is returned when the code could not be emailed. The challenge is discarded.
var ErrDeliveryFailed = errors.New("mfa code delivery failed")

// Result is the outcome of checking an emailed code.
type Result int

const (
	Invalid Result = iota
	Valid
	Expired
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	default:
		return "invalid"
	}
}

// CodeMailer delivers a login code. Satisfied by *mail.Mailer.
type CodeMailer interface {
	SendOTP(ctx context.Context, to, code string, ttl time.Duration) error
}

// Repository is the persistence the gate needs.
type Repository interface {
	repository.ChallengeRepository
	repository.BackupCodeRepository
}

// Gate issues challenges and checks codes.
type Gate struct {
	repo   Repository
	mailer CodeMailer
	dev    devotp.Store
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewGate returns a Gate. When dev is non-nil codes are kept there instead of emailed.
func NewGate(repo Repository, mailer CodeMailer, dev devotp.Store, ttl time.Duration, log *zap.Logger) *Gate {
	if ttl <= 0 {
		ttl = repository.DefaultChallengeTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		repo:   repo,
		mailer: mailer,
		dev:    dev,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// SetClock overrides the gate clock. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// TTL returns the challenge lifetime.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Issue creates a new challenge for the account, replacing any earlier one, and delivers the code.
func (g *Gate) Issue(ctx context.Context, accountID, email string) (*domain.Challenge, error) {
	code, err := GenerateOTP()
	if err != nil {
		return nil, err
	}
	now := g.now()
	c := &domain.Challenge{
		ID:        uuid.New().String(),
		AccountID: accountID,
		CodeHash:  security.HashSecret(code),
		ExpiresAt: now.Add(g.ttl),
		CreatedAt: now,
	}
	if err := g.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	if g.dev != nil {
		g.dev.Put(ctx, c.ID, code, c.ExpiresAt)
		g.log.Debug("mfa code held for dev retrieval", zap.String("challenge_id", c.ID))
		return c, nil
	}
	if err := g.mailer.SendOTP(ctx, email, code, g.ttl); err != nil {
		if derr := g.repo.Delete(ctx, c.ID); derr != nil {
			g.log.Warn("discard undelivered challenge", zap.String("challenge_id", c.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return c, nil
}

// Verify checks code against the challenge. A valid or expired challenge is consumed.
func (g *Gate) Verify(ctx context.Context, challengeID, accountID, code string) (Result, error) {
	c, err := g.repo.GetByID(ctx, challengeID)
	if err != nil {
		return Invalid, err
	}
	if c == nil || c.AccountID != accountID {
		return Invalid, nil
	}
	if c.Expired(g.now()) {
		g.consume(ctx, c.ID)
		return Expired, nil
	}
	if !ValidOTPFormat(code) || !security.SecretEqual(code, c.CodeHash) {
		return Invalid, nil
	}
	g.consume(ctx, c.ID)
	return Valid, nil
}

func (g *Gate) consume(ctx context.Context, id string) {
	if err := g.repo.Delete(ctx, id); err != nil {
		g.log.Warn("delete mfa challenge", zap.String("challenge_id", id), zap.Error(err))
	}
	if g.dev != nil {
		g.dev.Delete(ctx, id)
	}
}

// VerifyBackupCode consumes a matching unused backup code. remaining is the count left afterwards.
func (g *Gate) VerifyBackupCode(ctx context.Context, accountID, code string) (ok bool, remaining int, err error) {
	norm := NormalizeBackupCode(code)
	if norm == "" {
		return false, 0, nil
	}
	codes, err := g.repo.ListUnused(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	var match *domain.BackupCode
	for _, b := range codes {
		if security.SecretEqual(norm, b.CodeHash) && match == nil {
			match = b
		}
	}
	if match == nil {
		return false, len(codes), nil
	}
	used, err := g.repo.MarkUsed(ctx, match.ID, g.now())
	if err != nil {
		return false, 0, err
	}
	if !used {
		// Lost a race with a concurrent login using the same code.
		return false, len(codes) - 1, nil
	}
	remaining, err = g.repo.CountUnused(ctx, accountID)
	if err != nil {
		return true, 0, err
	}
	return true, remaining, nil
}

// RegenerateBackupCodes replaces the account's backup codes and returns the new plain codes once.
func (g *Gate) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	codes, err := GenerateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = security.HashSecret(NormalizeBackupCode(c))
	}
	if err := g.repo.ReplaceAll(ctx, accountID, hashes, g.now()); err != nil {
		return nil, err
	}
	return codes, nil
}

// RemainingBackupCodes returns the number of unused backup codes.
func (g *Gate) RemainingBackupCodes(ctx context.Context, accountID string) (int, error) {
	return g.repo.CountUnused(ctx, accountID)
}

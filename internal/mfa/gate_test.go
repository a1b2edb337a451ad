package mfa

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"atlasvet/backend/internal/devotp"
	"atlasvet/backend/internal/mfa/domain"
)

type memRepo struct {
	mu         sync.Mutex
	challenges map[string]*domain.Challenge
	codes      []*domain.BackupCode
}

func newMemRepo() *memRepo {
	return &memRepo{challenges: make(map[string]*domain.Challenge)}
}

func (m *memRepo) Create(_ context.Context, c *domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, old := range m.challenges {
		if old.AccountID == c.AccountID {
			delete(m.challenges, id)
		}
	}
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, id)
	return nil
}

func (m *memRepo) ListUnused(_ context.Context, accountID string) ([]*domain.BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BackupCode
	for _, b := range m.codes {
		if b.AccountID == accountID && b.UsedAt == nil {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.codes {
		if b.ID == id && b.UsedAt == nil {
			b.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) ReplaceAll(_ context.Context, accountID string, hashes []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.codes[:0]
	for _, b := range m.codes {
		if b.AccountID != accountID {
			kept = append(kept, b)
		}
	}
	m.codes = kept
	for i, h := range hashes {
		m.codes = append(m.codes, &domain.BackupCode{ID: accountID + "-" + string(rune('a'+i)), AccountID: accountID, CodeHash: h, CreatedAt: at})
	}
	return nil
}

func (m *memRepo) CountUnused(ctx context.Context, accountID string) (int, error) {
	l, _ := m.ListUnused(ctx, accountID)
	return len(l), nil
}

type fakeMailer struct {
	to, code string
	err      error
}

func (f *fakeMailer) SendOTP(_ context.Context, to, code string, _ time.Duration) error {
	f.to, f.code = to, code
	return f.err
}

func TestGate_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	mailer := &fakeMailer{}
	g := NewGate(repo, mailer, nil, 0, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	c, err := g.Issue(ctx, "acc-1", "vet@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if mailer.to != "vet@example.com" || !ValidOTPFormat(mailer.code) {
		t.Fatalf("mail to=%q code=%q", mailer.to, mailer.code)
	}
	if !c.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", c.ExpiresAt)
	}
	wrong := "000000"
	if wrong == mailer.code {
		wrong = "111111"
	}
	if res, _ := g.Verify(ctx, c.ID, "acc-1", wrong); res != Invalid {
		t.Errorf("wrong code = %v, want invalid", res)
	}
	if res, _ := g.Verify(ctx, c.ID, "acc-2", mailer.code); res != Invalid {
		t.Errorf("other account = %v, want invalid", res)
	}
	if res, _ := g.Verify(ctx, c.ID, "acc-1", mailer.code); res != Valid {
		t.Fatalf("right code = %v, want valid", res)
	}
	if res, _ := g.Verify(ctx, c.ID, "acc-1", mailer.code); res != Invalid {
		t.Errorf("reused code = %v, want invalid", res)
	}
}

func TestGate_IssueReplacesEarlierChallenge(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	mailer := &fakeMailer{}
	g := NewGate(repo, mailer, nil, time.Minute, nil)

	first, err := g.Issue(ctx, "acc-1", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	firstCode := mailer.code
	if _, err := g.Issue(ctx, "acc-1", "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if res, _ := g.Verify(ctx, first.ID, "acc-1", firstCode); res != Invalid {
		t.Errorf("superseded challenge = %v, want invalid", res)
	}
}

func TestGate_VerifyExpired(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	g := NewGate(newMemRepo(), mailer, nil, time.Minute, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	c, err := g.Issue(ctx, "acc-1", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if res, _ := g.Verify(ctx, c.ID, "acc-1", mailer.code); res != Expired {
		t.Errorf("Verify = %v, want expired", res)
	}
}

func TestGate_DeliveryFailureDiscardsChallenge(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	g := NewGate(repo, &fakeMailer{err: errors.New("smtp down")}, nil, 0, nil)
	_, err := g.Issue(ctx, "acc-1", "a@example.com")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Issue err = %v, want ErrDeliveryFailed", err)
	}
	if len(repo.challenges) != 0 {
		t.Errorf("challenges left = %d, want 0", len(repo.challenges))
	}
}

func TestGate_DevStoreSkipsMail(t *testing.T) {
	ctx := context.Background()
	dev := devotp.NewMemoryStore()
	mailer := &fakeMailer{}
	g := NewGate(newMemRepo(), mailer, dev, 0, nil)
	c, err := g.Issue(ctx, "acc-1", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if mailer.code != "" {
		t.Error("mail sent in dev mode")
	}
	code, ok := dev.Get(ctx, c.ID)
	if !ok {
		t.Fatal("code not in dev store")
	}
	if res, _ := g.Verify(ctx, c.ID, "acc-1", code); res != Valid {
		t.Fatalf("Verify = %v", res)
	}
	if _, ok := dev.Get(ctx, c.ID); ok {
		t.Error("dev store still holds used code")
	}
}

func TestGate_BackupCodesSingleUse(t *testing.T) {
	ctx := context.Background()
	g := NewGate(newMemRepo(), &fakeMailer{}, nil, 0, nil)
	codes, err := g.RegenerateBackupCodes(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	ok, remaining, err := g.VerifyBackupCode(ctx, "acc-1", codes[3])
	if err != nil || !ok {
		t.Fatalf("VerifyBackupCode = %v, %v", ok, err)
	}
	if remaining != BackupCodeCount-1 {
		t.Errorf("remaining = %d, want %d", remaining, BackupCodeCount-1)
	}
	if ok, _, _ := g.VerifyBackupCode(ctx, "acc-1", codes[3]); ok {
		t.Error("backup code accepted twice")
	}
	if ok, _, _ := g.VerifyBackupCode(ctx, "acc-2", codes[4]); ok {
		t.Error("code accepted for another account")
	}
	// Lower case without separator still matches.
	if ok, _, _ := g.VerifyBackupCode(ctx, "acc-1", strings.ToLower(NormalizeBackupCode(codes[4]))); !ok {
		t.Error("normalized code rejected")
	}
}

func TestGate_RegenerateInvalidatesOldCodes(t *testing.T) {
	ctx := context.Background()
	g := NewGate(newMemRepo(), &fakeMailer{}, nil, 0, nil)
	old, _ := g.RegenerateBackupCodes(ctx, "acc-1")
	if _, err := g.RegenerateBackupCodes(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := g.VerifyBackupCode(ctx, "acc-1", old[0]); ok {
		t.Error("old code still valid after regeneration")
	}
	n, _ := g.RemainingBackupCodes(ctx, "acc-1")
	if n != BackupCodeCount {
		t.Errorf("remaining = %d, want %d", n, BackupCodeCount)
	}
}

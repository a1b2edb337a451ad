package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	accountdomain "atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/attempts"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/devicesession"
	devicedomain "atlasvet/backend/internal/devicesession/domain"
	"atlasvet/backend/internal/devotp"
	intentdomain "atlasvet/backend/internal/loginintent/domain"
	"atlasvet/backend/internal/mfa"
	mfadomain "atlasvet/backend/internal/mfa/domain"
	"atlasvet/backend/internal/notify"
	"atlasvet/backend/internal/security"
	sessiondomain "atlasvet/backend/internal/session/domain"
)

const testPassword = "Correct-Horse-42"

type memAccounts struct {
	mu   sync.Mutex
	byID map[string]*accountdomain.Account
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID[id]
	if a == nil {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) Create(ctx context.Context, a *accountdomain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

type memClinics struct {
	mu          sync.Mutex
	clinics     map[string]*clinicdomain.Clinic
	memberships []*clinicdomain.Membership
}

func (m *memClinics) ListByAccount(ctx context.Context, accountID string) ([]*clinicdomain.Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinicdomain.Clinic
	for _, ms := range m.memberships {
		if ms.AccountID == accountID {
			out = append(out, m.clinics[ms.ClinicID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memClinics) GetMembership(ctx context.Context, accountID, clinicID string) (*clinicdomain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ms := range m.memberships {
		if ms.AccountID == accountID && ms.ClinicID == clinicID {
			return ms, nil
		}
	}
	return nil, nil
}

func (m *memClinics) Create(ctx context.Context, c *clinicdomain.Clinic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinics[c.ID] = c
	return nil
}

func (m *memClinics) AddMember(ctx context.Context, ms *clinicdomain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships = append(m.memberships, ms)
	return nil
}

type memSessions struct {
	mu   sync.Mutex
	byID map[string]*sessiondomain.Session
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID[id]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Create(ctx context.Context, s *sessiondomain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSessions) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byID[id]; s != nil && s.RevokedAt == nil {
		now := time.Now().UTC()
		s.RevokedAt = &now
	}
	return nil
}

func (m *memSessions) RevokeAllByAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, s := range m.byID {
		if s.AccountID == accountID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	return nil
}

func (m *memSessions) RevokeByDeviceSessions(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, s := range m.byID {
		for _, id := range ids {
			if s.DeviceSessionID == id && s.RevokedAt == nil {
				s.RevokedAt = &now
			}
		}
	}
	return nil
}

func (m *memSessions) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byID[id]; s != nil {
		s.LastSeenAt = &at
	}
	return nil
}

func (m *memSessions) UpdateRefreshToken(ctx context.Context, id, jti, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byID[id]; s != nil {
		s.RefreshJti, s.RefreshTokenHash = jti, hash
	}
	return nil
}

func (m *memSessions) live(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.byID {
		if s.AccountID == accountID && s.RevokedAt == nil {
			n++
		}
	}
	return n
}

type memIntents struct {
	mu   sync.Mutex
	byID map[string]*intentdomain.Intent
}

func (m *memIntents) Create(ctx context.Context, i *intentdomain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *i
	m.byID[i.ID] = &cp
	return nil
}

func (m *memIntents) GetByID(ctx context.Context, id string) (*intentdomain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.byID[id]
	if i == nil {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (m *memIntents) Update(ctx context.Context, i *intentdomain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.byID[i.ID]; cur != nil {
		cur.Stage, cur.MFAPassed, cur.ChallengeID, cur.ClinicID = i.Stage, i.MFAPassed, i.ChallengeID, i.ClinicID
	}
	return nil
}

func (m *memIntents) Consume(ctx context.Context, id string) (*intentdomain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.byID[id]
	delete(m.byID, id)
	return i, nil
}

type memDevices struct {
	mu   sync.Mutex
	rows []*devicedomain.DeviceSession
}

func (m *memDevices) find(id string) *devicedomain.DeviceSession {
	for _, d := range m.rows {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (m *memDevices) GetByID(ctx context.Context, id string) (*devicedomain.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.find(id); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (m *memDevices) GetByFingerprint(ctx context.Context, accountID, fp string) (*devicedomain.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *devicedomain.DeviceSession
	for _, d := range m.rows {
		if d.AccountID == accountID && d.Fingerprint == fp && !d.Revoked && (best == nil || d.LastActiveAt.After(best.LastActiveAt)) {
			best = d
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memDevices) ListActiveSince(ctx context.Context, accountID string, since time.Time) ([]*devicedomain.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*devicedomain.DeviceSession
	for _, d := range m.rows {
		if d.AccountID == accountID && !d.Revoked && !d.LastActiveAt.Before(since) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDevices) ListByAccount(ctx context.Context, accountID string) ([]*devicedomain.DeviceSession, error) {
	return m.ListActiveSince(ctx, accountID, time.Time{})
}

func (m *memDevices) Create(ctx context.Context, d *devicedomain.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memDevices) Refresh(ctx context.Context, id string, meta devicedomain.Metadata, at time.Time, trustedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.find(id); d != nil {
		d.LastActiveAt = at
		if trustedUntil != nil {
			d.TrustedUntil = trustedUntil
		}
	}
	return nil
}

func (m *memDevices) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.find(id); d != nil {
		d.LastActiveAt = at
	}
	return nil
}

func (m *memDevices) Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.find(id)
	if d == nil || d.Revoked {
		return false, nil
	}
	d.Revoked, d.RevokedAt, d.RevokedBy = true, &at, actor
	return true, nil
}

func (m *memDevices) RevokeAllExcept(ctx context.Context, accountID, keepID, actor string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, d := range m.rows {
		if d.AccountID == accountID && d.ID != keepID && !d.Revoked {
			d.Revoked, d.RevokedAt, d.RevokedBy = true, &at, actor
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (m *memDevices) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memMFA struct {
	mu         sync.Mutex
	challenges map[string]*mfadomain.Challenge
	codes      []*mfadomain.BackupCode
}

func (m *memMFA) Create(ctx context.Context, c *mfadomain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, old := range m.challenges {
		if old.AccountID == c.AccountID {
			delete(m.challenges, id)
		}
	}
	m.challenges[c.ID] = c
	return nil
}

func (m *memMFA) GetByID(ctx context.Context, id string) (*mfadomain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenges[id], nil
}

func (m *memMFA) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, id)
	return nil
}

func (m *memMFA) ListUnused(ctx context.Context, accountID string) ([]*mfadomain.BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mfadomain.BackupCode
	for _, b := range m.codes {
		if b.AccountID == accountID && b.UsedAt == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memMFA) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
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

func (m *memMFA) ReplaceAll(ctx context.Context, accountID string, hashes []string, at time.Time) error {
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
		m.codes = append(m.codes, &mfadomain.BackupCode{ID: accountID + "-" + string(rune('a'+i)), AccountID: accountID, CodeHash: h, CreatedAt: at})
	}
	return nil
}

func (m *memMFA) CountUnused(ctx context.Context, accountID string) (int, error) {
	codes, _ := m.ListUnused(ctx, accountID)
	return len(codes), nil
}

func (m *memMFA) challengeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

type fixedPolicy struct{ required bool }

func (p fixedPolicy) RequiresElevatedAuth(ctx context.Context, a *accountdomain.Account, clinics []*clinicdomain.Clinic) (bool, error) {
	return p.required || a.MFARequired, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) LogEvent(ctx context.Context, clinicID, accountID, action, resource, metadata string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func (f *fakeAudit) has(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a == action {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	backup chan notify.BackupCodeUsedPayload
	device chan notify.NewDeviceLoginPayload
}

func (f *fakeNotifier) BackupCodeUsed(ctx context.Context, p notify.BackupCodeUsedPayload) error {
	f.backup <- p
	return nil
}

func (f *fakeNotifier) NewDeviceLogin(ctx context.Context, p notify.NewDeviceLoginPayload) error {
	select {
	case f.device <- p:
	default:
	}
	return nil
}

type unusedMailer struct{}

func (unusedMailer) SendOTP(ctx context.Context, to, code string, ttl time.Duration) error {
	return nil
}

type harness struct {
	svc      *LoginService
	accounts *memAccounts
	clinics  *memClinics
	sessions *memSessions
	intents  *memIntents
	devices  *memDevices
	mfaRepo  *memMFA
	dev      *devotp.MemoryStore
	audit    *fakeAudit
	notifier *fakeNotifier
	tracker  *attempts.MemoryTracker
}

func newHarness(t *testing.T, mfaRequired bool) *harness {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("token provider: %v", err)
	}
	h := &harness{
		accounts: &memAccounts{byID: map[string]*accountdomain.Account{}},
		clinics:  &memClinics{clinics: map[string]*clinicdomain.Clinic{}},
		sessions: &memSessions{byID: map[string]*sessiondomain.Session{}},
		intents:  &memIntents{byID: map[string]*intentdomain.Intent{}},
		devices:  &memDevices{},
		mfaRepo:  &memMFA{challenges: map[string]*mfadomain.Challenge{}},
		dev:      devotp.NewMemoryStore(),
		audit:    &fakeAudit{},
		notifier: &fakeNotifier{backup: make(chan notify.BackupCodeUsedPayload, 4), device: make(chan notify.NewDeviceLoginPayload, 4)},
		tracker:  attempts.NewMemoryTracker(attempts.DefaultPolicy()),
	}
	h.svc = NewLoginService(Deps{
		Accounts: h.accounts,
		Clinics:  h.clinics,
		Sessions: h.sessions,
		Intents:  h.intents,
		Devices:  devicesession.NewPolicy(h.devices, h.sessions, 0, nil),
		MFA:      mfa.NewGate(h.mfaRepo, unusedMailer{}, h.dev, 0, nil),
		Policy:   fixedPolicy{required: mfaRequired},
		Attempts: h.tracker,
		Hasher:   security.NewHasher(4),
		Tokens:   tokens,
		Audit:    h.audit,
		Notifier: h.notifier,
	}, Options{PublicBaseURL: "https://atlas.example.com/"})
	return h
}

// addAccount creates an active account with testPassword and memberships in the named clinics.
func (h *harness) addAccount(t *testing.T, email string, deviceCap int, clinics ...string) *accountdomain.Account {
	t.Helper()
	hash, err := h.svc.Hasher.Hash([]byte(testPassword))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := &accountdomain.Account{ID: "acct-" + email, Email: email, PasswordHash: hash, DeviceCap: deviceCap, Status: accountdomain.StatusActive}
	_ = h.accounts.Create(context.Background(), a)
	for _, name := range clinics {
		c := &clinicdomain.Clinic{ID: "clinic-" + name, Name: name, Status: clinicdomain.StatusActive}
		_ = h.clinics.Create(context.Background(), c)
		_ = h.clinics.AddMember(context.Background(), &clinicdomain.Membership{ID: a.ID + c.ID, AccountID: a.ID, ClinicID: c.ID, Role: clinicdomain.RoleMember})
	}
	return a
}

func (h *harness) otpFor(t *testing.T, challengeID string) string {
	t.Helper()
	code, ok := h.dev.Get(context.Background(), challengeID)
	if !ok {
		t.Fatalf("no code held for challenge %s", challengeID)
	}
	return code
}

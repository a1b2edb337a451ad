package devicesession

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"atlasvet/backend/internal/devicesession/domain"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.DeviceSession
}

func newMemRepo(rows ...*domain.DeviceSession) *memRepo {
	r := &memRepo{rows: make(map[string]*domain.DeviceSession)}
	for _, d := range rows {
		r.rows[d.ID] = d
	}
	return r
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*domain.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.rows[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetByFingerprint(ctx context.Context, accountID, fingerprint string) (*domain.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.DeviceSession
	for _, d := range r.rows {
		if d.AccountID == accountID && d.Fingerprint == fingerprint && !d.Revoked {
			if best == nil || d.LastActiveAt.After(best.LastActiveAt) {
				best = d
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *memRepo) filter(keep func(*domain.DeviceSession) bool) []*domain.DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.DeviceSession, 0)
	for _, d := range r.rows {
		if keep(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) ListActiveSince(ctx context.Context, accountID string, since time.Time) ([]*domain.DeviceSession, error) {
	return r.filter(func(d *domain.DeviceSession) bool {
		return d.AccountID == accountID && !d.Revoked && !d.LastActiveAt.Before(since)
	}), nil
}

func (r *memRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.DeviceSession, error) {
	return r.filter(func(d *domain.DeviceSession) bool { return d.AccountID == accountID && !d.Revoked }), nil
}

func (r *memRepo) Create(ctx context.Context, d *domain.DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.rows[d.ID] = &cp
	return nil
}

func (r *memRepo) Refresh(ctx context.Context, id string, meta domain.Metadata, at time.Time, trustedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.rows[id]
	d.LastActiveAt = at
	if trustedUntil != nil {
		d.TrustedUntil = trustedUntil
	}
	return nil
}

func (r *memRepo) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.rows[id]; ok && !d.Revoked {
		d.LastActiveAt = at
	}
	return nil
}

func (r *memRepo) Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok || d.Revoked {
		return false, nil
	}
	d.Revoked, d.RevokedAt, d.RevokedBy, d.TrustedUntil = true, &at, actor, nil
	return true, nil
}

func (r *memRepo) RevokeAllExcept(ctx context.Context, accountID, keepID, actor string, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, d := range r.rows {
		if d.AccountID == accountID && id != keepID && !d.Revoked {
			d.Revoked, d.RevokedAt, d.RevokedBy = true, &at, actor
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type recordingRevoker struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingRevoker) RevokeByDeviceSessions(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return r.err
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func device(id, accountID string, lastActive time.Duration) *domain.DeviceSession {
	return &domain.DeviceSession{ID: id, AccountID: accountID, Fingerprint: "fp-" + id, CreatedAt: fixedNow.Add(-30 * 24 * time.Hour), LastActiveAt: fixedNow.Add(-lastActive)}
}

func newTestPolicy(repo *memRepo, revoker SessionRevoker) *Policy {
	p := NewPolicy(repo, revoker, 0, nil)
	p.SetClock(func() time.Time { return fixedNow })
	return p
}

func TestCheckAdmission_BlocksAtCapAndAdmitsAfterRevoke(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(device("d1", "a1", time.Hour), device("d2", "a1", 2*time.Hour), device("d3", "a1", 3*time.Hour))
	p := newTestPolicy(repo, nil)

	adm, err := p.CheckAdmission(ctx, "a1", 3)
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if adm.Admitted {
		t.Fatal("fourth device should be blocked at cap 3")
	}
	if len(adm.ActiveDevices) != 3 {
		t.Fatalf("ActiveDevices = %d, want the 3 active sessions", len(adm.ActiveDevices))
	}
	for i, want := range []string{"d1", "d2", "d3"} {
		if adm.ActiveDevices[i].ID != want {
			t.Errorf("ActiveDevices[%d] = %q, want %q", i, adm.ActiveDevices[i].ID, want)
		}
	}

	if err := p.Revoke(ctx, "a1", "d2", "a1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	adm, err = p.CheckAdmission(ctx, "a1", 3)
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if !adm.Admitted {
		t.Error("should admit after revoking one device")
	}
}

func TestCheckAdmission_IgnoresDevicesOutsideWindow(t *testing.T) {
	repo := newMemRepo(device("d1", "a1", time.Hour), device("old", "a1", 8*24*time.Hour))
	p := newTestPolicy(repo, nil)
	adm, err := p.CheckAdmission(context.Background(), "a1", 2)
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if !adm.Admitted {
		t.Error("device idle for 8 days should not count toward the cap")
	}
	if len(adm.ActiveDevices) != 1 || adm.ActiveDevices[0].ID != "d1" {
		t.Errorf("ActiveDevices = %v, want [d1]", adm.ActiveDevices)
	}
}

func TestCheckAdmission_Unlimited(t *testing.T) {
	repo := newMemRepo(device("d1", "a1", 0), device("d2", "a1", 0), device("d3", "a1", 0))
	adm, err := newTestPolicy(repo, nil).CheckAdmission(context.Background(), "a1", -1)
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if !adm.Admitted {
		t.Error("cap -1 should always admit")
	}
}

func TestRevoke_IdempotentAndScopedToAccount(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(device("d1", "a1", 0), device("other", "a2", 0))
	revoker := &recordingRevoker{}
	p := newTestPolicy(repo, revoker)

	if err := p.Revoke(ctx, "a1", "d1", "a1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := p.Revoke(ctx, "a1", "d1", "a1"); err != nil {
		t.Errorf("second Revoke = %v, want nil", err)
	}
	if len(revoker.ids) != 1 || revoker.ids[0] != "d1" {
		t.Errorf("sessions revoked for %v, want [d1] once", revoker.ids)
	}
	d, _ := repo.GetByID(ctx, "d1")
	if !d.Revoked || d.RevokedAt == nil || !d.RevokedAt.Equal(fixedNow) || d.RevokedBy != "a1" {
		t.Errorf("row = %+v", d)
	}
	if err := p.Revoke(ctx, "a1", "other", "a1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("revoke other account's device = %v, want ErrDeviceNotFound", err)
	}
	if err := p.Revoke(ctx, "a1", "missing", "a1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("revoke missing device = %v, want ErrDeviceNotFound", err)
	}
}

func TestRevokeAllExcept_LeavesOnlyCurrent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(device("d0", "a1", 0), device("d1", "a1", 0), device("d2", "a1", 0), device("d3", "a1", 0), device("x", "a2", 0))
	revoker := &recordingRevoker{err: errors.New("sessions store down")}
	p := newTestPolicy(repo, revoker)

	n, err := p.RevokeAllExcept(ctx, "a1", "d0", "a1")
	if err != nil {
		t.Fatalf("RevokeAllExcept: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked = %d, want 3", n)
	}
	left, _ := p.List(ctx, "a1")
	if len(left) != 1 || left[0].ID != "d0" {
		t.Errorf("remaining = %v, want [d0]", left)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		d, _ := repo.GetByID(ctx, id)
		if !d.Revoked || d.RevokedAt == nil {
			t.Errorf("%s revoked=%v revoked_at=%v", id, d.Revoked, d.RevokedAt)
		}
	}
	if x, _ := repo.GetByID(ctx, "x"); x.Revoked {
		t.Error("other account's device must not be revoked")
	}
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	p := newTestPolicy(repo, nil)

	d, err := p.Record(ctx, "a1", domain.Metadata{}, nil)
	if err != nil || d != nil {
		t.Fatalf("Record without metadata = %v, %v; want nil, nil", d, err)
	}

	meta := domain.Metadata{Fingerprint: "fp", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Chrome/120.0 Safari/537.36", IP: "10.0.0.1"}
	first, err := p.Record(ctx, "a1", meta, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.DeviceName != "Chrome on macOS" || first.Revoked || !first.CreatedAt.Equal(fixedNow) || !first.LastActiveAt.Equal(fixedNow) {
		t.Errorf("created row = %+v", first)
	}

	until := fixedNow.Add(30 * 24 * time.Hour)
	second, err := p.Record(ctx, "a1", meta, &until)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same fingerprint created a new row %q, want reuse of %q", second.ID, first.ID)
	}
	if len(repo.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(repo.rows))
	}
	trusted, err := p.Trusted(ctx, "a1", "fp")
	if err != nil || !trusted {
		t.Errorf("Trusted = %v, %v; want true", trusted, err)
	}
	if trusted, _ := p.Trusted(ctx, "a1", "other"); trusted {
		t.Error("unknown fingerprint should not be trusted")
	}
}

func TestCounted(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(device("d1", "a1", time.Hour), device("old", "a1", 9*24*time.Hour))
	p := newTestPolicy(repo, nil)
	if d, _ := p.Counted(ctx, "a1", "fp-d1"); d == nil || d.ID != "d1" {
		t.Errorf("Counted(fp-d1) = %v, want d1", d)
	}
	if d, _ := p.Counted(ctx, "a1", "fp-old"); d != nil {
		t.Errorf("Counted(fp-old) = %v, want nil for a device outside the window", d)
	}
	if d, _ := p.Counted(ctx, "a1", ""); d != nil {
		t.Errorf("Counted(\"\") = %v, want nil", d)
	}
}

func TestTouch_RejectsRevokedDevice(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(device("d1", "a1", time.Hour))
	p := newTestPolicy(repo, &recordingRevoker{err: errors.New("sessions unavailable")})

	if err := p.Touch(ctx, "d1"); err != nil {
		t.Fatalf("Touch live device: %v", err)
	}
	if got, _ := repo.GetByID(ctx, "d1"); !got.LastActiveAt.Equal(fixedNow) {
		t.Errorf("LastActiveAt = %v, want %v", got.LastActiveAt, fixedNow)
	}
	if err := p.Revoke(ctx, "a1", "d1", "a1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := p.Touch(ctx, "d1"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("Touch revoked device: err = %v, want ErrDeviceRevoked", err)
	}
	if err := p.Touch(ctx, "missing"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("Touch missing device: err = %v, want ErrDeviceRevoked", err)
	}
	if err := p.Touch(ctx, ""); err != nil {
		t.Errorf("Touch without device: %v", err)
	}
}

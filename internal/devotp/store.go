// Package devotp keeps plain one-time codes by challenge id so local builds can read them at GET /dev/mfa/otp.
// Only wired when OTP_RETURN_TO_CLIENT is set outside production.
package devotp

import (
	"context"
	"sync"
	"time"
)

// Store holds plain OTP by challenge_id for dev-only retrieval.
type Store interface {
	// Put stores otp for challengeID until expiresAt.
	Put(ctx context.Context, challengeID, otp string, expiresAt time.Time)
	// Get returns the otp for challengeID if present and not expired.
	Get(ctx context.Context, challengeID string) (otp string, ok bool)
	// Delete forgets challengeID, e.g. after the code was used.
	Delete(ctx context.Context, challengeID string)
}

type entry struct {
	otp       string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]entry
	nowF func() time.Time
}

// NewMemoryStore returns a new in-memory dev OTP store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores otp for challengeID until expiresAt and drops entries that already expired.
func (s *MemoryStore) Put(ctx context.Context, challengeID, otp string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	for id, e := range s.m {
		if !e.expiresAt.After(now) {
			delete(s.m, id)
		}
	}
	s.m[challengeID] = entry{otp: otp, expiresAt: expiresAt}
}

// Get returns the otp for challengeID if present and not expired.
func (s *MemoryStore) Get(ctx context.Context, challengeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[challengeID]
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		delete(s.m, challengeID)
		return "", false
	}
	return e.otp, true
}

// Delete removes challengeID.
func (s *MemoryStore) Delete(ctx context.Context, challengeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, challengeID)
}

package attempts

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker keeps counters in process memory. Suitable for tests and single-instance dev.
type MemoryTracker struct {
	mu     sync.Mutex
	policy Policy
	m      map[string]counters
	nowF   func() time.Time
}

// NewMemoryTracker returns an in-memory Tracker using policy (zero fields take DefaultPolicy values).
func NewMemoryTracker(policy Policy) *MemoryTracker {
	return &MemoryTracker{
		policy: policy.normalized(),
		m:      make(map[string]counters),
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. For tests.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowF = now
}

func memKey(key string, scope Scope) string {
	return string(scope) + ":" + NormalizeKey(key)
}

// RecordFailure counts one failure for key in scope.
func (t *MemoryTracker) RecordFailure(ctx context.Context, key string, scope Scope) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowF()
	c := t.policy.record(t.m[memKey(key, scope)], now)
	t.m[memKey(key, scope)] = c
	return c.status(now), nil
}

// Check returns the current state for key in scope.
func (t *MemoryTracker) Check(ctx context.Context, key string, scope Scope) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[memKey(key, scope)].status(t.nowF()), nil
}

// Reset clears counters for key in scope.
func (t *MemoryTracker) Reset(ctx context.Context, key string, scope Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, memKey(key, scope))
	return nil
}

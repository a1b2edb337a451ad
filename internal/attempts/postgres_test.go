package attempts

import (
	"context"
	"os"
	"testing"
	"time"

	"atlasvet/backend/internal/db/dbtest"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Main(m))
}

func TestPostgresTracker(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := NewPostgresTracker(conn, Policy{MaxFailures: 2, Window: time.Minute, LockoutThreshold: 3, LockoutWindow: time.Hour})
	tr.nowF = func() time.Time { return now }

	st, err := tr.RecordFailure(ctx, "acct-1", ScopeOTP)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if st.Blocked() {
		t.Fatalf("first failure = %+v, want unblocked", st)
	}
	if st, _ = tr.RecordFailure(ctx, "acct-1", ScopeOTP); !st.Limited {
		t.Fatalf("second failure = %+v, want limited", st)
	}
	if st, _ = tr.RecordFailure(ctx, "acct-1", ScopeOTP); !st.Locked {
		t.Fatalf("third failure = %+v, want locked", st)
	}
	got, err := tr.Check(ctx, "acct-1", ScopeOTP)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !got.Locked || !got.RetryAfter.Equal(now.Add(time.Hour)) {
		t.Errorf("Check = %+v, want locked until %v", got, now.Add(time.Hour))
	}
	if err := tr.Reset(ctx, "acct-1", ScopeOTP); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got, _ = tr.Check(ctx, "acct-1", ScopeOTP); got.Blocked() {
		t.Errorf("after reset = %+v, want unblocked", got)
	}
}

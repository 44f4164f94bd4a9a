package gc

import (
	"context"
	"testing"
	"time"
)

type fakeSessions struct{ expiredTokens, expiredChallenges int }

func (f *fakeSessions) DeleteExpiredRefreshTokens(context.Context, time.Time) (int, error) {
	return f.expiredTokens, nil
}

func (f *fakeSessions) DeleteExpiredChallenges(context.Context, time.Time) (int, error) {
	return f.expiredChallenges, nil
}

type fakeApprovals struct{ n int }

func (f *fakeApprovals) ExpireSweep(context.Context) (int, error) { return f.n, nil }

type fakeAudit struct{ pruned int }

func (f *fakeAudit) PruneAuditLog(context.Context, time.Time) (int, error) { return f.pruned, nil }

type fakeCache struct{ n int }

func (f *fakeCache) SweepExpired() int { return f.n }

type fakeUndo struct{ n int }

func (f *fakeUndo) SweepExpiredTickets(context.Context) (int, error) { return f.n, nil }

func TestRunAggregatesAllCollaborators(t *testing.T) {
	s := New(Config{
		Sessions:  &fakeSessions{expiredTokens: 2, expiredChallenges: 1},
		Approvals: &fakeApprovals{n: 3},
		Audit:     &fakeAudit{pruned: 4},
		Caches:    []CacheSweeper{&fakeCache{n: 5}, &fakeCache{n: 6}},
		Undo:      &fakeUndo{n: 7},
	})

	report := s.Run(context.Background())
	if report.Sessions != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", report.Sessions)
	}
	if report.Approvals != 3 {
		t.Fatalf("expected 3 expired approvals, got %d", report.Approvals)
	}
	if report.CacheEntries != 11 {
		t.Fatalf("expected 11 combined cache entries, got %d", report.CacheEntries)
	}
	if report.Emergency {
		t.Fatalf("expected a normal sweep to not be marked emergency")
	}
}

func TestRunWithNilCollaboratorsDoesNotPanic(t *testing.T) {
	s := New(Config{})
	report := s.Run(context.Background())
	if report.Sessions != 0 || report.Approvals != 0 || report.CacheEntries != 0 {
		t.Fatalf("expected an all-zero report with no collaborators, got %+v", report)
	}
}

func TestRunEmergencyMarksReport(t *testing.T) {
	s := New(Config{})
	report := s.RunEmergency(context.Background())
	if !report.Emergency {
		t.Fatalf("expected emergency sweep to be marked as such")
	}
}

func TestHistoryCapsAt100(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 105; i++ {
		s.Run(context.Background())
	}
	if got := len(s.History()); got != 100 {
		t.Fatalf("expected history capped at 100, got %d", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	if err := s.Start(ctx, time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx, time.Hour); err != nil {
		t.Fatalf("second start should be a no-op, got error: %v", err)
	}
	s.Stop()
}

func TestMemoryUtilizationIsBounded(t *testing.T) {
	u := MemoryUtilization()
	if u < 0 || u > 1 {
		t.Fatalf("expected utilization in [0,1], got %v", u)
	}
}

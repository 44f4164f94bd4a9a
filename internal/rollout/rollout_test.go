package rollout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/storage"
)

type memRepo struct {
	mu          sync.Mutex
	state       storage.RolloutState
	signals     []storage.TrustSignal
	regressions []storage.TrustRegression
}

func (m *memRepo) GetRolloutState(context.Context) (storage.RolloutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memRepo) SaveRolloutState(_ context.Context, st storage.RolloutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	return nil
}

func (m *memRepo) ListTrustSignals(_ context.Context, sigType string, from, to time.Time) ([]storage.TrustSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.TrustSignal
	for _, s := range m.signals {
		if s.Type == sigType && !s.MeasuredAt.Before(from) && s.MeasuredAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memRepo) ListTrustRegressions(_ context.Context, from, to time.Time) ([]storage.TrustRegression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.TrustRegression
	for _, r := range m.regressions {
		if !r.At.Before(from) && r.At.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestTriggerHaltFreezesRollout(t *testing.T) {
	repo := &memRepo{}
	c := New(repo, nil, nil, DefaultLimits)
	ctx := context.Background()

	if err := c.TriggerHalt(ctx, "retry_rate", 0.5, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Frozen {
		t.Fatalf("expected rollout to be frozen")
	}

	// Freezing while already frozen is a no-op, not an error.
	if err := c.TriggerHalt(ctx, "retry_rate", 0.9, "m2"); err != nil {
		t.Fatalf("second halt should be a no-op, got error: %v", err)
	}
}

func TestAdvancePhaseRequiresCleanDaysAndConfirmation(t *testing.T) {
	repo := &memRepo{state: storage.RolloutState{Phase: 0}}
	c := New(repo, nil, nil, DefaultLimits)
	ctx := context.Background()

	if _, err := c.AdvancePhase(ctx, "admin"); err == nil {
		t.Fatalf("expected failure: not enough clean days yet")
	}

	repo.mu.Lock()
	repo.state.ConsecutiveCleanDays = DefaultLimits.CleanDaysNeeded[0]
	repo.mu.Unlock()

	if _, err := c.AdvancePhase(ctx, ""); err == nil {
		t.Fatalf("expected failure: missing confirmation")
	}

	phase, err := c.AdvancePhase(ctx, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phase != PhaseTrustedTesters {
		t.Fatalf("expected phase 1, got %d", phase)
	}
}

func TestAdvancePhaseBlockedWhileFrozen(t *testing.T) {
	repo := &memRepo{state: storage.RolloutState{Phase: 0, ConsecutiveCleanDays: 7, Frozen: true}}
	c := New(repo, nil, nil, DefaultLimits)
	ctx := context.Background()

	if _, err := c.AdvancePhase(ctx, "admin"); err == nil {
		t.Fatalf("expected failure while frozen")
	}
}

func TestEvaluateCleanDayIsIdempotentPerDay(t *testing.T) {
	repo := &memRepo{}
	c := New(repo, nil, nil, DefaultLimits)
	ctx := context.Background()
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	clean, err := c.EvaluateCleanDay(ctx, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !clean {
		t.Fatalf("expected a clean day with no signals/regressions")
	}
	if repo.state.ConsecutiveCleanDays != 1 {
		t.Fatalf("expected streak 1, got %d", repo.state.ConsecutiveCleanDays)
	}

	// Re-evaluating the same day must not double-count.
	if _, err := c.EvaluateCleanDay(ctx, day); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.state.ConsecutiveCleanDays != 1 {
		t.Fatalf("expected idempotent re-evaluation to leave streak at 1, got %d", repo.state.ConsecutiveCleanDays)
	}
}

func TestEvaluateCleanDayResetsOnCriticalRegression(t *testing.T) {
	repo := &memRepo{state: storage.RolloutState{ConsecutiveCleanDays: 5}}
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	repo.regressions = append(repo.regressions, storage.TrustRegression{
		ID: "r1", Severity: "critical", Trigger: "undo_pattern", At: day.Add(2 * time.Hour),
	})
	c := New(repo, nil, nil, DefaultLimits)

	clean, err := c.EvaluateCleanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clean {
		t.Fatalf("expected not clean due to critical regression")
	}
	if repo.state.ConsecutiveCleanDays != 0 {
		t.Fatalf("expected streak reset to 0, got %d", repo.state.ConsecutiveCleanDays)
	}
}

func TestAssessEligibilityPure(t *testing.T) {
	cases := []struct {
		name  string
		phase Phase
		users int
		traits Traits
		anti  AntiTargets
		want  bool
	}{
		{"builder allowed in phase 0", PhaseBuilderOnly, 0, Traits{IsInternalBuilder: true}, AntiTargets{}, true},
		{"non-builder blocked in phase 0", PhaseBuilderOnly, 0, Traits{}, AntiTargets{}, false},
		{"user cap reached", PhaseTrustedTesters, 5, Traits{IsTrustedTester: true}, AntiTargets{}, false},
		{"high risk jurisdiction always blocked", PhaseOpen, 0, Traits{}, AntiTargets{HighRiskJurisdiction: true}, false},
		{"referral sufficient in phase 2", PhaseExtendedPilot, 0, Traits{ReferredBy: "u1"}, AntiTargets{}, true},
	}
	for _, c := range cases {
		got := AssessEligibilityPure(c.phase, false, c.users, DefaultLimits, c.traits, c.anti)
		if got.Eligible != c.want {
			t.Errorf("%s: got eligible=%v (%v), want %v", c.name, got.Eligible, got.BlockedReasons, c.want)
		}
	}
}

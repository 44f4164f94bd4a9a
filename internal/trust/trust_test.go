package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/storage"
)

type memRepo struct {
	mu          sync.Mutex
	signals     []storage.TrustSignal
	regressions []storage.TrustRegression
}

func (m *memRepo) InsertTrustSignal(_ context.Context, s storage.TrustSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
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

func (m *memRepo) InsertTrustRegression(_ context.Context, r storage.TrustRegression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regressions = append(m.regressions, r)
	return nil
}

type fakeRollout struct {
	mu      sync.Mutex
	halts   []SignalType
	freezes []string
}

func (f *fakeRollout) TriggerHalt(_ context.Context, signal SignalType, _ float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, signal)
	return nil
}

func (f *fakeRollout) FreezeForRegression(_ context.Context, reason, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freezes = append(f.freezes, reason)
	return nil
}

func TestClassifyLevel(t *testing.T) {
	cases := []struct {
		sig      SignalType
		value    float64
		override bool
		want     Level
	}{
		{SignalBriefingFailureRate, 0.01, false, LevelNormal},
		{SignalBriefingFailureRate, 0.03, false, LevelWarning},
		{SignalBriefingFailureRate, 0.10, false, LevelStop},
		{SignalRetryRate, 0.05, true, LevelStop},
	}
	for _, c := range cases {
		if got := ClassifyLevel(c.sig, c.value, c.override); got != c.want {
			t.Errorf("ClassifyLevel(%s, %v, %v) = %s, want %s", c.sig, c.value, c.override, got, c.want)
		}
	}
}

func TestMeasureTriggersHaltOnlyOncePerSustainedStreak(t *testing.T) {
	repo := &memRepo{}
	rollout := &fakeRollout{}
	sustain := 40 * time.Millisecond
	mon := New(repo, nil, rollout, time.Hour, sustain)
	ctx := context.Background()

	if _, err := mon.Measure(ctx, Measurement{Type: SignalRetryRate, Value: 0.5}); err != nil {
		t.Fatalf("first measure: %v", err)
	}
	if len(rollout.halts) != 1 {
		t.Fatalf("expected 1 halt after first sustained stop, got %d", len(rollout.halts))
	}

	if _, err := mon.Measure(ctx, Measurement{Type: SignalRetryRate, Value: 0.6}); err != nil {
		t.Fatalf("second measure: %v", err)
	}
	if len(rollout.halts) != 1 {
		t.Fatalf("expected halt to not re-fire within the same streak, got %d halts", len(rollout.halts))
	}

	if _, err := mon.Measure(ctx, Measurement{Type: SignalRetryRate, Value: 0.01}); err != nil {
		t.Fatalf("recovery measure: %v", err)
	}
	// Let the sustain window age past every earlier (stop-level) row so
	// the next stop measurement starts a fresh streak.
	time.Sleep(sustain + 20*time.Millisecond)
	if _, err := mon.Measure(ctx, Measurement{Type: SignalRetryRate, Value: 0.6}); err != nil {
		t.Fatalf("re-stop measure: %v", err)
	}
	if len(rollout.halts) != 2 {
		t.Fatalf("expected a new streak to re-trigger halt, got %d halts", len(rollout.halts))
	}
}

func TestRecordRegressionFreezesOnlyOnCritical(t *testing.T) {
	repo := &memRepo{}
	rollout := &fakeRollout{}
	mon := New(repo, nil, rollout, time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := mon.RecordRegression(ctx, "owner1", "undo_pattern", "warning", "three undos this week", false, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rollout.freezes) != 0 {
		t.Fatalf("expected no freeze for non-critical regression, got %d", len(rollout.freezes))
	}

	if _, err := mon.RecordFeelsWrongReport(ctx, "owner1", "this feels off", "brief-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rollout.freezes) != 1 {
		t.Fatalf("expected a freeze for the critical feels_wrong report, got %d", len(rollout.freezes))
	}
}

func TestRecordRetrySpamDetection(t *testing.T) {
	repo := &memRepo{}
	mon := New(repo, nil, nil, time.Hour, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := mon.RecordRetry(ctx, "owner1", "sess1", "brief-1", "sec-1"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if len(repo.regressions) != 0 {
		t.Fatalf("expected no regression before the 4th retry, got %d", len(repo.regressions))
	}

	if err := mon.RecordRetry(ctx, "owner1", "sess1", "brief-1", "sec-1"); err != nil {
		t.Fatalf("4th retry: %v", err)
	}
	if len(repo.regressions) != 1 || repo.regressions[0].Trigger != "retry_button_spam" {
		t.Fatalf("expected a retry_button_spam regression on the 4th retry, got %+v", repo.regressions)
	}
}

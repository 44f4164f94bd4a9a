package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/broadcast"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/storage"
)

type memRepo struct {
	mu      sync.Mutex
	entries []storage.CostEntry
	fired   map[string]bool
}

func newMemRepo() *memRepo { return &memRepo{fired: make(map[string]bool)} }

func (m *memRepo) InsertCostEntry(_ context.Context, e storage.CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRepo) QueryCostEntries(_ context.Context, from, to time.Time) ([]storage.CostEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.CostEntry
	for _, e := range m.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) HasFiredThreshold(_ context.Context, periodKey string, threshold int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired[key(periodKey, threshold)], nil
}

func (m *memRepo) MarkThresholdFired(_ context.Context, periodKey string, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired[key(periodKey, threshold)] = true
	return nil
}

func key(periodKey string, threshold int) string {
	return periodKey + ":" + time.Duration(threshold).String()
}

func newTestTracker(repo Repo, budget Budget, sink *notify.Sink, at time.Time) *Tracker {
	tr := New(repo, budget, sink)
	tr.now = func() time.Time { return at }
	return tr
}

func TestSummarizeAggregatesByProviderAndModel(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(repo, Budget{}, nil, now)
	ctx := context.Background()

	entries := []Entry{
		{Provider: "anthropic", Model: "claude-3.5-sonnet", CostUSD: 1.50, InputTokens: 100, OutputTokens: 50},
		{Provider: "anthropic", Model: "claude-3-haiku", CostUSD: 0.10, InputTokens: 20, OutputTokens: 10},
		{Provider: "openai", Model: "gpt-4o", CostUSD: 2.00, InputTokens: 200, OutputTokens: 80},
	}
	for _, e := range entries {
		if err := tr.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sum, err := tr.SummarizePeriod(ctx, PeriodDay)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalCost != 3.60 {
		t.Fatalf("expected total cost 3.60, got %v", sum.TotalCost)
	}
	if sum.ByProvider["anthropic"] != 1.60 {
		t.Fatalf("expected anthropic subtotal 1.60, got %v", sum.ByProvider["anthropic"])
	}
	if sum.TotalInput != 320 || sum.TotalOutput != 140 {
		t.Fatalf("unexpected token totals: %+v", sum)
	}
}

func TestBudgetThresholdFiresOncePerPeriod(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	limit := 10.0
	sink := notify.NewSink(broadcast.New())
	tr := newTestTracker(repo, Budget{DailyLimit: &limit, AlertThresholds: []int{50, 90}}, sink, now)
	ctx := context.Background()

	if err := tr.Record(ctx, Entry{Provider: "anthropic", Model: "m1", CostUSD: 6.0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !repo.fired[key("day:2026-07-15", 50)] {
		t.Fatalf("expected the 50%% threshold to have fired")
	}
	if repo.fired[key("day:2026-07-15", 90)] {
		t.Fatalf("expected the 90%% threshold to still be unfired")
	}

	// A second entry that doesn't change total utilization enough to
	// re-cross 50% must not re-mark it (MarkThresholdFired is idempotent
	// via HasFiredThreshold's guard).
	if err := tr.Record(ctx, Entry{Provider: "anthropic", Model: "m1", CostUSD: 0.1}); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestUtilizationNilWhenNoBudgetConfigured(t *testing.T) {
	repo := newMemRepo()
	tr := newTestTracker(repo, Budget{}, nil, time.Now())
	u, err := tr.Utilization(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Daily != nil || u.Weekly != nil || u.Monthly != nil {
		t.Fatalf("expected all-nil utilization with no budget configured, got %+v", u)
	}
}

func TestProjectedMonthlySpendExtrapolates(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC) // 10 days into a 31-day month
	tr := newTestTracker(repo, Budget{}, nil, now)
	ctx := context.Background()

	if err := tr.Record(ctx, Entry{Provider: "anthropic", Model: "m1", CostUSD: 31.0, Timestamp: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("record: %v", err)
	}

	projected, err := tr.ProjectedMonthlySpend(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 31.0 spent over 10 elapsed days, projected across 31-day July.
	want := 31.0 * (31.0 / 10.0)
	if diff := projected - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("expected projected spend ~%.2f, got %.2f", want, projected)
	}
}

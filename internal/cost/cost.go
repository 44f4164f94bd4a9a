// Package cost implements the cost tracker (C8): an append-only log of
// per-call usage, period roll-ups, and budget utilization/threshold
// notifications, per spec §4.8.
package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/storage"
)

// Period selects the rollup window for a Summary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Repo is the narrow storage dependency the cost tracker needs.
type Repo interface {
	InsertCostEntry(ctx context.Context, e storage.CostEntry) error
	QueryCostEntries(ctx context.Context, from, to time.Time) ([]storage.CostEntry, error)
	HasFiredThreshold(ctx context.Context, periodKey string, threshold int) (bool, error)
	MarkThresholdFired(ctx context.Context, periodKey string, threshold int) error
}

// Budget is the optional per-period spend ceiling configuration.
type Budget struct {
	DailyLimit      *float64
	WeeklyLimit     *float64
	MonthlyLimit    *float64
	AlertThresholds []int // percentages, e.g. 50, 75, 90
}

// Entry is the caller-visible shape of a recorded call.
type Entry struct {
	ID           string
	Timestamp    time.Time
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	TaskType     string
	Metadata     map[string]any
}

// Summary is the reduction of a set of Entries over a time window.
type Summary struct {
	TotalCost   float64
	ByProvider  map[string]float64
	ByModel     map[string]float64
	TotalInput  int
	TotalOutput int
}

// Tracker maintains the cost log and evaluates budget utilization.
type Tracker struct {
	repo   Repo
	budget Budget
	sink   *notify.Sink
	now    func() time.Time
}

// New builds a Tracker over repo with the given Budget. sink may be nil,
// in which case threshold crossings are recorded but not delivered.
func New(repo Repo, budget Budget, sink *notify.Sink) *Tracker {
	return &Tracker{repo: repo, budget: budget, sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends a Cost Entry and evaluates whether it crosses a budget
// alert threshold for the period(s) it falls into.
func (t *Tracker) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	var metaJSON string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode cost metadata: %w", err)
		}
		metaJSON = string(b)
	}
	if err := t.repo.InsertCostEntry(ctx, storage.CostEntry{
		ID: e.ID, Timestamp: e.Timestamp, Provider: e.Provider, Model: e.Model,
		InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, CostUSD: e.CostUSD,
		TaskType: e.TaskType, Metadata: metaJSON,
	}); err != nil {
		return err
	}
	return t.checkThresholds(ctx, e.Timestamp)
}

// Summarize reduces every entry in [from, to) into a Summary.
func (t *Tracker) Summarize(ctx context.Context, from, to time.Time) (Summary, error) {
	entries, err := t.repo.QueryCostEntries(ctx, from, to)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{ByProvider: map[string]float64{}, ByModel: map[string]float64{}}
	for _, e := range entries {
		sum.TotalCost += e.CostUSD
		sum.ByProvider[e.Provider] += e.CostUSD
		sum.ByModel[e.Model] += e.CostUSD
		sum.TotalInput += e.InputTokens
		sum.TotalOutput += e.OutputTokens
	}
	return sum, nil
}

// SummarizePeriod is a convenience wrapper resolving the named period
// relative to now.
func (t *Tracker) SummarizePeriod(ctx context.Context, period Period) (Summary, error) {
	from, to := periodBounds(period, t.now())
	return t.Summarize(ctx, from, to)
}

// Utilization returns used/limit for each configured budget period
// relative to now; a nil limit yields a nil entry in the result (no
// utilization to report).
type Utilization struct {
	Daily   *float64
	Weekly  *float64
	Monthly *float64
}

func (t *Tracker) Utilization(ctx context.Context) (Utilization, error) {
	var u Utilization
	now := t.now()
	if t.budget.DailyLimit != nil && *t.budget.DailyLimit > 0 {
		from, to := periodBounds(PeriodDay, now)
		s, err := t.Summarize(ctx, from, to)
		if err != nil {
			return u, err
		}
		v := s.TotalCost / *t.budget.DailyLimit
		u.Daily = &v
	}
	if t.budget.WeeklyLimit != nil && *t.budget.WeeklyLimit > 0 {
		from, to := periodBounds(PeriodWeek, now)
		s, err := t.Summarize(ctx, from, to)
		if err != nil {
			return u, err
		}
		v := s.TotalCost / *t.budget.WeeklyLimit
		u.Weekly = &v
	}
	if t.budget.MonthlyLimit != nil && *t.budget.MonthlyLimit > 0 {
		from, to := periodBounds(PeriodMonth, now)
		s, err := t.Summarize(ctx, from, to)
		if err != nil {
			return u, err
		}
		v := s.TotalCost / *t.budget.MonthlyLimit
		u.Monthly = &v
	}
	return u, nil
}

// ProjectedMonthlySpend extrapolates month-to-date spend across the full
// month: monthly_so_far * (days_in_month / days_elapsed), per spec §4.8.
func (t *Tracker) ProjectedMonthlySpend(ctx context.Context) (float64, error) {
	now := t.now()
	from, _ := periodBounds(PeriodMonth, now)
	s, err := t.Summarize(ctx, from, now)
	if err != nil {
		return 0, err
	}
	daysElapsed := now.Sub(from).Hours()/24 + 1
	daysInMonth := daysInMonth(now.Year(), now.Month())
	if daysElapsed <= 0 {
		daysElapsed = 1
	}
	return s.TotalCost * (float64(daysInMonth) / daysElapsed), nil
}

// checkThresholds evaluates, for each period the entry's timestamp falls
// into, whether a configured alert threshold was just crossed for the
// first time this period, emitting exactly one notification per
// threshold crossing.
func (t *Tracker) checkThresholds(ctx context.Context, at time.Time) error {
	periods := []struct {
		period Period
		limit  *float64
	}{
		{PeriodDay, t.budget.DailyLimit},
		{PeriodWeek, t.budget.WeeklyLimit},
		{PeriodMonth, t.budget.MonthlyLimit},
	}
	for _, p := range periods {
		if p.limit == nil || *p.limit <= 0 {
			continue
		}
		from, to := periodBounds(p.period, at)
		sum, err := t.Summarize(ctx, from, to)
		if err != nil {
			return err
		}
		utilizationPct := sum.TotalCost / *p.limit * 100
		periodKey := fmt.Sprintf("%s:%s", p.period, from.Format("2006-01-02"))

		for _, threshold := range t.budget.AlertThresholds {
			if utilizationPct < float64(threshold) {
				continue
			}
			fired, err := t.repo.HasFiredThreshold(ctx, periodKey, threshold)
			if err != nil {
				return err
			}
			if fired {
				continue
			}
			if err := t.repo.MarkThresholdFired(ctx, periodKey, threshold); err != nil {
				return err
			}
			if t.sink != nil {
				t.sink.Send(notify.Notification{
					Kind:  notify.KindBudgetThreshold,
					Title: fmt.Sprintf("%d%% of %s budget used", threshold, p.period),
					Body:  fmt.Sprintf("Spend is at %.1f%% of the %s limit of $%.2f", utilizationPct, p.period, *p.limit),
					Metadata: map[string]any{
						"period": string(p.period), "threshold": threshold, "utilization_pct": utilizationPct,
					},
				})
			}
		}
	}
	return nil
}

func periodBounds(period Period, now time.Time) (from, to time.Time) {
	now = now.UTC()
	switch period {
	case PeriodDay:
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.Add(24 * time.Hour)
	case PeriodWeek:
		weekday := int(now.Weekday())
		start := now.AddDate(0, 0, -weekday)
		from = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.Add(7 * 24 * time.Hour)
	case PeriodMonth:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	default: // PeriodAll
		return time.Time{}, now.Add(24 * time.Hour)
	}
}

func daysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.Add(-24 * time.Hour)
	return lastOfThis.Day()
}

package storage

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// CostEntry is one recorded provider call: tokens consumed and the dollar
// cost derived from the model's pricing table.
type CostEntry struct {
	ID           string
	Timestamp    time.Time
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	TaskType     string
	Metadata     string // JSON-encoded, opaque to storage.
}

func (s *Store) InsertCostEntry(ctx context.Context, e CostEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_entries (id, timestamp, provider, model, input_tokens, output_tokens, cost_usd, task_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.TaskType, e.Metadata)
	return err
}

// QueryCostEntries returns entries with timestamp in [from, to), ordered
// chronologically, built with goqu against the (timestamp) index.
func (s *Store) QueryCostEntries(ctx context.Context, from, to time.Time) ([]CostEntry, error) {
	query, args, err := s.dialect.From("cost_entries").
		Select("id", "timestamp", "provider", "model", "input_tokens", "output_tokens", "cost_usd", "task_type", "metadata").
		Where(
			goqu.C("timestamp").Gte(from.UTC().Format(time.RFC3339Nano)),
			goqu.C("timestamp").Lt(to.UTC().Format(time.RFC3339Nano)),
		).
		Order(goqu.C("timestamp").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Provider, &e.Model, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &e.TaskType, &e.Metadata); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasFiredThreshold reports whether a budget alert threshold (e.g. 80, 100)
// has already fired for the given period key (e.g. "day:2026-07-15").
func (s *Store) HasFiredThreshold(ctx context.Context, periodKey string, threshold int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM budget_fired_thresholds WHERE period_key = ? AND threshold = ?`,
		periodKey, threshold).Scan(&n)
	return n > 0, err
}

func (s *Store) MarkThresholdFired(ctx context.Context, periodKey string, threshold int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO budget_fired_thresholds (period_key, threshold) VALUES (?, ?)`,
		periodKey, threshold)
	return err
}

func (s *Store) ClearFiredThresholds(ctx context.Context, periodKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budget_fired_thresholds WHERE period_key = ?`, periodKey)
	return err
}

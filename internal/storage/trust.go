package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// TrustSignal is one measurement of one of the six trust signals (S1-S6)
// over a reporting window.
type TrustSignal struct {
	ID          string
	Type        string
	Value       float64
	Level       string
	Numerator   *float64
	Denominator *float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	MeasuredAt  time.Time
	Metadata    string
}

func (s *Store) InsertTrustSignal(ctx context.Context, sig TrustSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_signals (id, type, value, level, numerator, denominator, period_start, period_end, measured_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Type, sig.Value, sig.Level, nullableFloat(sig.Numerator), nullableFloat(sig.Denominator),
		sig.PeriodStart.UTC().Format(time.RFC3339Nano), sig.PeriodEnd.UTC().Format(time.RFC3339Nano),
		sig.MeasuredAt.UTC().Format(time.RFC3339Nano), sig.Metadata)
	return err
}

// ListTrustSignals returns measurements of sigType within [from, to), built
// with goqu against the (type, measured_at) index.
func (s *Store) ListTrustSignals(ctx context.Context, sigType string, from, to time.Time) ([]TrustSignal, error) {
	query, args, err := s.dialect.From("trust_signals").
		Select("id", "type", "value", "level", "numerator", "denominator", "period_start", "period_end", "measured_at", "metadata").
		Where(
			goqu.C("type").Eq(sigType),
			goqu.C("measured_at").Gte(from.UTC().Format(time.RFC3339Nano)),
			goqu.C("measured_at").Lt(to.UTC().Format(time.RFC3339Nano)),
		).
		Order(goqu.C("measured_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustSignal
	for rows.Next() {
		sig, err := scanTrustSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// LatestTrustSignal returns the most recent measurement of sigType, for
// computing the current per-signal level.
func (s *Store) LatestTrustSignal(ctx context.Context, sigType string) (TrustSignal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, value, level, numerator, denominator, period_start, period_end, measured_at, metadata
		FROM trust_signals WHERE type = ? ORDER BY measured_at DESC LIMIT 1`, sigType)
	sig, err := scanTrustSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrustSignal{}, ErrNotFound
	}
	return sig, err
}

func scanTrustSignal(row scanner) (TrustSignal, error) {
	var sig TrustSignal
	var periodStart, periodEnd, measuredAt string
	var numerator, denominator sql.NullFloat64
	var metadata sql.NullString
	if err := row.Scan(&sig.ID, &sig.Type, &sig.Value, &sig.Level, &numerator, &denominator,
		&periodStart, &periodEnd, &measuredAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TrustSignal{}, ErrNotFound
		}
		return TrustSignal{}, err
	}
	if numerator.Valid {
		sig.Numerator = &numerator.Float64
	}
	if denominator.Valid {
		sig.Denominator = &denominator.Float64
	}
	sig.Metadata = metadata.String
	sig.PeriodStart, _ = time.Parse(time.RFC3339Nano, periodStart)
	sig.PeriodEnd, _ = time.Parse(time.RFC3339Nano, periodEnd)
	sig.MeasuredAt, _ = time.Parse(time.RFC3339Nano, measuredAt)
	return sig, nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// TrustRegression is a recorded trust-eroding event: an undo, a denial
// pattern, or a direct "this feels wrong" report.
type TrustRegression struct {
	ID           string
	Owner        string
	Trigger      string
	Severity     string
	Description  string
	UserReported bool
	UserFeedback string
	BriefingID   string
	At           time.Time
	Resolved     bool
	ResolvedAt   *time.Time
	Resolution   string
}

func (s *Store) InsertTrustRegression(ctx context.Context, r TrustRegression) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_regressions
			(id, owner, trigger, severity, description, user_reported, user_feedback, briefing_id, at, resolved, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Trigger, r.Severity, r.Description, boolToInt(r.UserReported), r.UserFeedback,
		r.BriefingID, r.At.UTC().Format(time.RFC3339Nano), boolToInt(r.Resolved), nullableTime(r.ResolvedAt), r.Resolution)
	return err
}

func (s *Store) ListTrustRegressions(ctx context.Context, from, to time.Time) ([]TrustRegression, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, trigger, severity, description, user_reported, user_feedback, briefing_id, at, resolved, resolved_at, resolution
		FROM trust_regressions WHERE at >= ? AND at < ? ORDER BY at ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustRegression
	for rows.Next() {
		var r TrustRegression
		var at string
		var userReported, resolved int
		var userFeedback, briefingID, resolvedAt, resolution sql.NullString
		if err := rows.Scan(&r.ID, &r.Owner, &r.Trigger, &r.Severity, &r.Description, &userReported,
			&userFeedback, &briefingID, &at, &resolved, &resolvedAt, &resolution); err != nil {
			return nil, err
		}
		r.UserReported = userReported != 0
		r.Resolved = resolved != 0
		r.UserFeedback = userFeedback.String
		r.BriefingID = briefingID.String
		r.Resolution = resolution.String
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		if resolvedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
			r.ResolvedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

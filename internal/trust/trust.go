// Package trust implements the Trust Monitor (C12): classification and
// persistence of caller-supplied measurements of six behavioral signals
// against fixed thresholds (it runs no schedule of its own), retry-spam
// detection, and regression/feels-wrong reporting, per spec §4.12. The
// monitor is the sole writer of trust signal rows; the Rollout
// Controller (C13) only reads them.
package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/storage"
)

// SignalType is one of the six fixed behavioral signals, S1-S6.
type SignalType string

const (
	SignalBriefingFailureRate SignalType = "briefing_failure_rate" // S1
	SignalRetryRate           SignalType = "retry_rate"            // S2
	SignalPartialSuccessRate  SignalType = "partial_success_rate"  // S3
	SignalDismissalRate       SignalType = "dismissal_rate"        // S4
	SignalRefreshLoops        SignalType = "refresh_loops"         // S5
	SignalTrustRiskAlerts     SignalType = "trust_risk_alerts"     // S6
)

// Level is the three-valued escalation classification for a measurement.
type Level string

const (
	LevelNormal  Level = "normal"
	LevelWarning Level = "warning"
	LevelStop    Level = "stop"
)

// thresholds holds the normal/warning ceilings for a ratio-valued signal;
// anything above warning is stop. S5 and S6 are count-valued and use the
// same ceiling semantics (see spec §4.12's table).
var thresholds = map[SignalType][2]float64{
	SignalBriefingFailureRate: {0.02, 0.05},
	SignalRetryRate:           {0.10, 0.20},
	SignalPartialSuccessRate:  {0.15, 0.30},
	SignalDismissalRate:       {0.05, 0.15},
	SignalRefreshLoops:        {1, 3},
	SignalTrustRiskAlerts:     {0, 2},
}

// ClassifyLevel applies the fixed per-signal thresholds from spec §4.12's
// table. Callers pass override=true when a signal-specific "OR" clause
// (a single outlier event, not expressible as a ratio) independently
// forces stop, e.g. "any single briefing retried > 3x" for S2.
func ClassifyLevel(sigType SignalType, value float64, override bool) Level {
	if override {
		return LevelStop
	}
	t, ok := thresholds[sigType]
	if !ok {
		return LevelNormal
	}
	switch {
	case value <= t[0]:
		return LevelNormal
	case value <= t[1]:
		return LevelWarning
	default:
		return LevelStop
	}
}

// Repo is the narrow storage dependency the monitor needs.
type Repo interface {
	InsertTrustSignal(ctx context.Context, s storage.TrustSignal) error
	ListTrustSignals(ctx context.Context, sigType string, from, to time.Time) ([]storage.TrustSignal, error)
	InsertTrustRegression(ctx context.Context, r storage.TrustRegression) error
}

// RolloutNotifier is the narrow callback the Rollout Controller (C13)
// implements so the monitor can drive a freeze without importing the
// rollout package (which in turn reads trust rows, so the dependency
// only runs one direction).
type RolloutNotifier interface {
	TriggerHalt(ctx context.Context, signal SignalType, value float64, measurementID string) error
	FreezeForRegression(ctx context.Context, reason, by string) error
}

// Measurement is one caller-supplied observation for a signal: the
// numerator/denominator (or raw count, for S5/S6) a collaborator (the
// briefing scheduler, the UI session tracker) has already aggregated.
// Aggregating raw events into these counts is outside the core's scope.
type Measurement struct {
	Type        SignalType
	Value       float64
	Numerator   *float64
	Denominator *float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Override forces a stop-level classification for a signal whose
	// spec definition includes an "OR" clause independent of the ratio
	// (e.g. S2's "any single briefing retried > 3x").
	Override bool
	Metadata map[string]any
}

// retryWindow is the 60s sliding-window retry-spam detector keyed by
// (owner, session).
type retryWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// Monitor computes and persists trust signal measurements and regression
// events.
type Monitor struct {
	repo      Repo
	auditLog  *audit.Log
	rollout   RolloutNotifier
	window    time.Duration // measurement window, default 24h
	sustain   time.Duration // sustained-stop evaluation window, default 1h
	retries   retryWindow
	haltedMu  sync.Mutex
	haltFired map[SignalType]bool // tracks whether the latest sustained-stop streak already fired a halt
}

// New builds a Monitor.
func New(repo Repo, auditLog *audit.Log, rollout RolloutNotifier, window, sustain time.Duration) *Monitor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if sustain <= 0 {
		sustain = time.Hour
	}
	return &Monitor{
		repo: repo, auditLog: auditLog, rollout: rollout, window: window, sustain: sustain,
		retries:   retryWindow{hits: make(map[string][]time.Time)},
		haltFired: make(map[SignalType]bool),
	}
}

// Measure classifies and persists one Measurement, per spec §4.12. A
// stop-level outcome that is "sustained" (every measurement of this type
// in the trailing sustain window is also stop) triggers the Rollout
// Controller's halt exactly once per streak — subsequent stop
// measurements in the same streak are recorded but do not re-trigger.
func (m *Monitor) Measure(ctx context.Context, meas Measurement) (storage.TrustSignal, error) {
	level := ClassifyLevel(meas.Type, meas.Value, meas.Override)
	now := time.Now().UTC()
	if meas.PeriodEnd.IsZero() {
		meas.PeriodEnd = now
	}
	if meas.PeriodStart.IsZero() {
		meas.PeriodStart = meas.PeriodEnd.Add(-m.window)
	}

	row := storage.TrustSignal{
		ID: uuid.NewString(), Type: string(meas.Type), Value: meas.Value, Level: string(level),
		Numerator: meas.Numerator, Denominator: meas.Denominator,
		PeriodStart: meas.PeriodStart, PeriodEnd: meas.PeriodEnd, MeasuredAt: now,
	}
	if err := m.repo.InsertTrustSignal(ctx, row); err != nil {
		return storage.TrustSignal{}, fmt.Errorf("persist trust signal: %w", err)
	}

	if level != LevelStop {
		m.resetHaltFired(meas.Type)
		return row, nil
	}

	sustained, err := m.isSustainedStop(ctx, meas.Type, now)
	if err != nil {
		return row, err
	}
	if !sustained {
		return row, nil
	}

	alreadyFired := m.markHaltFired(meas.Type)
	if m.auditLog != nil {
		_ = m.auditLog.Record(ctx, audit.Entry{
			Type: audit.TrustSignalStop, Severity: audit.SeverityCritical,
			Message: fmt.Sprintf("%s sustained at stop level (value=%.4f)", meas.Type, meas.Value),
			Metadata: map[string]any{"signal": string(meas.Type), "value": meas.Value, "measurement_id": row.ID, "already_frozen": alreadyFired},
		})
	}
	if alreadyFired || m.rollout == nil {
		return row, nil
	}
	if err := m.rollout.TriggerHalt(ctx, meas.Type, meas.Value, row.ID); err != nil {
		return row, fmt.Errorf("trigger rollout halt: %w", err)
	}
	return row, nil
}

// isSustainedStop reports whether every measurement of sigType in the
// trailing sustain window (inclusive of the just-inserted one) is at
// stop level, per spec §4.12's "sustained" definition.
func (m *Monitor) isSustainedStop(ctx context.Context, sigType SignalType, now time.Time) (bool, error) {
	rows, err := m.repo.ListTrustSignals(ctx, string(sigType), now.Add(-m.sustain), now.Add(time.Second))
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	for _, r := range rows {
		if r.Level != string(LevelStop) {
			return false, nil
		}
	}
	return true, nil
}

func (m *Monitor) markHaltFired(t SignalType) (already bool) {
	m.haltedMu.Lock()
	defer m.haltedMu.Unlock()
	already = m.haltFired[t]
	m.haltFired[t] = true
	return already
}

func (m *Monitor) resetHaltFired(t SignalType) {
	m.haltedMu.Lock()
	defer m.haltedMu.Unlock()
	delete(m.haltFired, t)
}

// RecordRegression persists a Trust Regression Event. A critical severity
// is a sufficient condition for the Rollout Controller to freeze, per
// spec §3.
func (m *Monitor) RecordRegression(ctx context.Context, owner, trigger, severity, description string, userReported bool, userFeedback, briefingID string) (storage.TrustRegression, error) {
	row := storage.TrustRegression{
		ID: uuid.NewString(), Owner: owner, Trigger: trigger, Severity: severity, Description: description,
		UserReported: userReported, UserFeedback: userFeedback, BriefingID: briefingID, At: time.Now().UTC(),
	}
	if err := m.repo.InsertTrustRegression(ctx, row); err != nil {
		return storage.TrustRegression{}, fmt.Errorf("persist trust regression: %w", err)
	}
	if m.auditLog != nil {
		_ = m.auditLog.Record(ctx, audit.Entry{
			Type: audit.TrustBehaviorChange, Severity: audit.Severity(severity),
			Message: fmt.Sprintf("trust regression: %s (%s)", trigger, description), Owner: owner,
		})
	}
	if severity == "critical" && m.rollout != nil {
		if err := m.rollout.FreezeForRegression(ctx, fmt.Sprintf("critical regression: %s", trigger), "trust-monitor"); err != nil {
			return row, fmt.Errorf("freeze after critical regression: %w", err)
		}
	}
	return row, nil
}

// RecordFeelsWrongReport records a direct user "this feels wrong" report,
// always critical and user-reported, per spec §4.12.
func (m *Monitor) RecordFeelsWrongReport(ctx context.Context, owner, feedback, briefingID string) (storage.TrustRegression, error) {
	return m.RecordRegression(ctx, owner, "feels_wrong", "critical", "user reported the system's behavior feels wrong", true, feedback, briefingID)
}

// RecordRetry is called from the execution path on every retry, tracking
// a 60s sliding window per (owner, session). More than 3 retries inside
// that window records a critical retry_button_spam regression.
func (m *Monitor) RecordRetry(ctx context.Context, owner, session, briefingID, sectionID string) error {
	key := owner + "|" + session
	now := time.Now().UTC()

	m.retries.mu.Lock()
	hits := append(m.retries.hits[key], now)
	cutoff := now.Add(-60 * time.Second)
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	m.retries.hits[key] = kept
	count := len(kept)
	m.retries.mu.Unlock()

	if count <= 3 {
		return nil
	}
	_, err := m.RecordRegression(ctx, owner, "retry_button_spam", "critical",
		fmt.Sprintf("session %s retried %d times within 60s", session, count), false, "", briefingID)
	return err
}

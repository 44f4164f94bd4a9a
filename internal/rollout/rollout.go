// Package rollout implements the Rollout Controller (C13): phase gates,
// freeze/unfreeze state, clean-day tracking, and user-eligibility
// assessment, per spec §4.13. It is the sole writer of Rollout State;
// every other reader observes a consistent snapshot.
package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/gatewayerr"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/storage"
	"github.com/atlasgw/atlas/internal/trust"
)

// Phase is one of the four rollout phases, 0-3. Phase 3 ("open") has no
// user cap and no further advancement.
type Phase int

const (
	PhaseBuilderOnly    Phase = 0
	PhaseTrustedTesters Phase = 1
	PhaseExtendedPilot  Phase = 2
	PhaseOpen           Phase = 3
)

// Limits is the per-phase user cap and required clean-day streak, per
// spec §4.13's table.
type Limits struct {
	UserCaps        [4]int
	CleanDaysNeeded [4]int
}

// DefaultLimits matches the spec's table verbatim.
var DefaultLimits = Limits{
	UserCaps:        [4]int{1, 5, 15, 0},
	CleanDaysNeeded: [4]int{7, 14, 30, 0},
}

// Repo is the narrow storage dependency the controller needs.
type Repo interface {
	GetRolloutState(ctx context.Context) (storage.RolloutState, error)
	SaveRolloutState(ctx context.Context, st storage.RolloutState) error
	ListTrustSignals(ctx context.Context, sigType string, from, to time.Time) ([]storage.TrustSignal, error)
	ListTrustRegressions(ctx context.Context, from, to time.Time) ([]storage.TrustRegression, error)
}

// Controller holds Rollout State and arbitrates phase transitions and
// freeze state, serialized by an internal mutex (single-writer, per
// spec §5's shared-resource policy).
type Controller struct {
	mu       sync.Mutex
	repo     Repo
	auditLog *audit.Log
	sink     *notify.Sink
	limits   Limits
}

// New builds a Controller.
func New(repo Repo, auditLog *audit.Log, sink *notify.Sink, limits Limits) *Controller {
	if limits.UserCaps == ([4]int{}) {
		limits = DefaultLimits
	}
	return &Controller{repo: repo, auditLog: auditLog, sink: sink, limits: limits}
}

// State is the caller-visible rollout snapshot.
type State struct {
	Phase                Phase
	ConsecutiveCleanDays int
	TotalUsers           int
	ActiveUsers          int
	Frozen               bool
	FrozenAt             *time.Time
	FreezeReason         string
	FrozenBy             string
	BriefingsDisabled    bool
	LastPhaseChange      *time.Time
}

// Status returns the current snapshot.
func (c *Controller) Status(ctx context.Context) (State, error) {
	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return State{}, err
	}
	return toState(st), nil
}

// TriggerHalt implements trust.RolloutNotifier: a sustained stop-level
// trust signal freezes rollout, per spec §4.12.
func (c *Controller) TriggerHalt(ctx context.Context, signal trust.SignalType, value float64, measurementID string) error {
	reason := fmt.Sprintf("trust signal %s sustained at stop level (value=%.4f, measurement=%s)", signal, value, measurementID)
	return c.freeze(ctx, reason, "trust-monitor")
}

// FreezeForRegression implements trust.RolloutNotifier: a critical
// regression event is a sufficient condition to freeze, per spec §3.
func (c *Controller) FreezeForRegression(ctx context.Context, reason, by string) error {
	return c.freeze(ctx, reason, by)
}

// Freeze rejects new sign-ups (frozen=true). disableBriefings
// additionally suppresses scheduled briefing generation while
// preserving data, per spec §4.13.
func (c *Controller) Freeze(ctx context.Context, reason, by string, disableBriefings bool) error {
	if err := c.freeze(ctx, reason, by); err != nil {
		return err
	}
	if !disableBriefings {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return err
	}
	st.BriefingsDisabled = true
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return err
	}
	return c.audit(ctx, audit.RolloutBriefingsDisabled, audit.SeverityWarning, "briefings disabled", by)
}

func (c *Controller) freeze(ctx context.Context, reason, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return err
	}
	if st.Frozen {
		return nil // already frozen; freezing again is a no-op, not an error
	}
	now := time.Now().UTC()
	st.Frozen = true
	st.FrozenAt = &now
	st.FreezeReason = reason
	st.FrozenBy = by
	st.ConsecutiveCleanDays = 0
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return fmt.Errorf("persist freeze: %w", err)
	}
	if err := c.audit(ctx, audit.RolloutFreeze, audit.SeverityCritical, reason, by); err != nil {
		return err
	}
	if c.sink != nil {
		c.sink.Send(notify.Notification{Kind: notify.KindRolloutFreeze, Title: "Rollout frozen", Body: reason})
	}
	return nil
}

// Unfreeze clears the freeze state. This is always an explicit
// administrative action — the controller never auto-unfreezes.
func (c *Controller) Unfreeze(ctx context.Context, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return err
	}
	if !st.Frozen {
		return gatewayerr.InvalidState("rollout is not frozen")
	}
	st.Frozen = false
	st.FrozenAt = nil
	st.FreezeReason = ""
	st.FrozenBy = ""
	st.BriefingsDisabled = false
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return fmt.Errorf("persist unfreeze: %w", err)
	}
	if err := c.audit(ctx, audit.RolloutUnfreeze, audit.SeverityWarning, "rollout unfrozen", by); err != nil {
		return err
	}
	if c.sink != nil {
		c.sink.Send(notify.Notification{Kind: notify.KindRolloutUnfreeze, Title: "Rollout unfrozen", Body: "by " + by})
	}
	return nil
}

// EvaluateCleanDay checks whether `day` (UTC calendar day) qualifies as
// clean — no stop-level signals, no critical regressions, no
// feels_wrong reports — and updates the consecutive-clean-day streak
// accordingly. Intended to run once per day, shortly after midnight UTC,
// driven by the application's periodic scheduler.
func (c *Controller) EvaluateCleanDay(ctx context.Context, day time.Time) (clean bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	for _, sig := range []trust.SignalType{
		trust.SignalBriefingFailureRate, trust.SignalRetryRate, trust.SignalPartialSuccessRate,
		trust.SignalDismissalRate, trust.SignalRefreshLoops, trust.SignalTrustRiskAlerts,
	} {
		rows, err := c.repo.ListTrustSignals(ctx, string(sig), from, to)
		if err != nil {
			return false, err
		}
		for _, r := range rows {
			if r.Level == string(trust.LevelStop) {
				clean = false
				return c.recordCleanDayResult(ctx, false, from)
			}
		}
	}

	regressions, err := c.repo.ListTrustRegressions(ctx, from, to)
	if err != nil {
		return false, err
	}
	for _, r := range regressions {
		if r.Severity == "critical" || r.Trigger == "feels_wrong" {
			return c.recordCleanDayResult(ctx, false, from)
		}
	}
	return c.recordCleanDayResult(ctx, true, from)
}

func (c *Controller) recordCleanDayResult(ctx context.Context, clean bool, day time.Time) (bool, error) {
	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return false, err
	}
	if st.LastCleanDayCheck != nil && sameUTCDay(*st.LastCleanDayCheck, day) {
		return clean, nil // already evaluated today; EvaluateCleanDay is idempotent per day
	}
	if clean {
		st.ConsecutiveCleanDays++
	} else {
		st.ConsecutiveCleanDays = 0
	}
	st.LastCleanDayCheck = &day
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return clean, err
	}
	auditType := audit.RolloutCleanDay
	if !clean {
		auditType = audit.RolloutCleanDaysReset
	}
	return clean, c.audit(ctx, auditType, audit.SeverityInfo, fmt.Sprintf("clean day check for %s: clean=%v, streak=%d", day.Format("2006-01-02"), clean, st.ConsecutiveCleanDays), "")
}

func sameUTCDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// AdvancePhase moves to the next phase, requiring: not frozen, the
// required consecutive-clean-day streak for the current phase, and an
// explicit administrative confirmation. Phases can only move up one at a
// time and never skip, per spec §4.13.
func (c *Controller) AdvancePhase(ctx context.Context, confirmedBy string) (Phase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return 0, err
	}
	if st.Frozen {
		return Phase(st.Phase), gatewayerr.InvalidState("cannot advance phase while rollout is frozen")
	}
	if st.Phase >= int(PhaseOpen) {
		return Phase(st.Phase), gatewayerr.InvalidState("already at the final phase")
	}
	required := c.limits.CleanDaysNeeded[st.Phase]
	if st.ConsecutiveCleanDays < required {
		return Phase(st.Phase), gatewayerr.InvalidState(
			fmt.Sprintf("need %d consecutive clean days to advance from phase %d, have %d", required, st.Phase, st.ConsecutiveCleanDays))
	}
	if confirmedBy == "" {
		return Phase(st.Phase), gatewayerr.Validation("phase advancement requires an administrative confirmation")
	}

	now := time.Now().UTC()
	st.Phase++
	st.ConsecutiveCleanDays = 0
	st.LastPhaseChange = &now
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return Phase(st.Phase - 1), fmt.Errorf("persist phase advance: %w", err)
	}
	if err := c.audit(ctx, audit.RolloutPhaseChange, audit.SeverityInfo, fmt.Sprintf("advanced to phase %d", st.Phase), confirmedBy); err != nil {
		return Phase(st.Phase), err
	}
	return Phase(st.Phase), nil
}

// SetPhase is the explicit administrative downward transition spec §3
// permits ("downward transitions only via explicit administrative
// action"). It bypasses the clean-day gate since it is never automatic.
func (c *Controller) SetPhase(ctx context.Context, phase Phase, by string) error {
	if phase < PhaseBuilderOnly || phase > PhaseOpen {
		return gatewayerr.Validation("phase out of range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Phase = int(phase)
	st.ConsecutiveCleanDays = 0
	st.LastPhaseChange = &now
	if err := c.repo.SaveRolloutState(ctx, st); err != nil {
		return err
	}
	return c.audit(ctx, audit.RolloutPhaseChange, audit.SeverityWarning, fmt.Sprintf("administratively set phase to %d", phase), by)
}

// Traits is the subset of a candidate user's profile the eligibility
// assessment reasons over.
type Traits struct {
	IsInternalBuilder bool
	IsTrustedTester   bool
	ReferredBy        string
	AccountAgeDays    int
}

// AntiTargets is the set of profile conditions that unconditionally
// disqualify a candidate regardless of phase, per spec §4.13.
type AntiTargets struct {
	HighRiskJurisdiction bool
	PriorAbuseFlag       bool
	MinimumAccountAge    int
}

// Eligibility is the result of AssessEligibility: whether a candidate may
// be invited at the controller's current phase, and why not if not.
type Eligibility struct {
	Eligible      bool
	BlockedReasons []string
}

// AssessEligibility is a pure function over (traits, anti-targets) for
// the current phase, per spec §4.13. It does not mutate state.
func (c *Controller) AssessEligibility(ctx context.Context, traits Traits, anti AntiTargets) (Eligibility, error) {
	st, err := c.repo.GetRolloutState(ctx)
	if err != nil {
		return Eligibility{}, err
	}
	return AssessEligibilityPure(Phase(st.Phase), st.Frozen, st.TotalUsers, c.limits, traits, anti), nil
}

// AssessEligibilityPure is the side-effect-free core of AssessEligibility,
// exported for direct unit testing without a storage dependency.
func AssessEligibilityPure(phase Phase, frozen bool, totalUsers int, limits Limits, traits Traits, anti AntiTargets) Eligibility {
	var blocked []string

	if frozen {
		blocked = append(blocked, "rollout is frozen")
	}
	if anti.HighRiskJurisdiction {
		blocked = append(blocked, "jurisdiction is on the anti-target list")
	}
	if anti.PriorAbuseFlag {
		blocked = append(blocked, "account previously flagged for abuse")
	}
	if anti.MinimumAccountAge > 0 && traits.AccountAgeDays < anti.MinimumAccountAge {
		blocked = append(blocked, "account does not meet minimum age requirement")
	}

	userCap := limits.UserCaps[phase]
	if userCap > 0 && totalUsers >= userCap {
		blocked = append(blocked, fmt.Sprintf("phase %d user cap (%d) reached", phase, userCap))
	}

	switch phase {
	case PhaseBuilderOnly:
		if !traits.IsInternalBuilder {
			blocked = append(blocked, "phase 0 is builder-only")
		}
	case PhaseTrustedTesters:
		if !traits.IsInternalBuilder && !traits.IsTrustedTester {
			blocked = append(blocked, "phase 1 requires trusted-tester status")
		}
	case PhaseExtendedPilot:
		if traits.ReferredBy == "" && !traits.IsTrustedTester && !traits.IsInternalBuilder {
			blocked = append(blocked, "phase 2 requires a referral or trusted-tester status")
		}
	case PhaseOpen:
		// no additional gating beyond anti-targets, already checked above
	}

	return Eligibility{Eligible: len(blocked) == 0, BlockedReasons: blocked}
}

func (c *Controller) audit(ctx context.Context, t audit.Type, sev audit.Severity, msg, actor string) error {
	if c.auditLog == nil {
		return nil
	}
	return c.auditLog.Record(ctx, audit.Entry{Type: t, Severity: sev, Message: msg, Owner: actor})
}

func toState(st storage.RolloutState) State {
	return State{
		Phase: Phase(st.Phase), ConsecutiveCleanDays: st.ConsecutiveCleanDays,
		TotalUsers: st.TotalUsers, ActiveUsers: st.ActiveUsers,
		Frozen: st.Frozen, FrozenAt: st.FrozenAt, FreezeReason: st.FreezeReason, FrozenBy: st.FrozenBy,
		BriefingsDisabled: st.BriefingsDisabled, LastPhaseChange: st.LastPhaseChange,
	}
}

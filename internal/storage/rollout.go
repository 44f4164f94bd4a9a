package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RolloutState is the single mutable row tracking the gateway's rollout
// phase (0-3), freeze state, and clean-day streak.
type RolloutState struct {
	Phase                int
	ConsecutiveCleanDays int
	LastCleanDayCheck    *time.Time
	TotalUsers           int
	ActiveUsers          int
	Frozen               bool
	FrozenAt             *time.Time
	FreezeReason         string
	FrozenBy             string
	BriefingsDisabled    bool
	LastPhaseChange      *time.Time
}

// GetRolloutState returns the singleton row, seeding phase 0 defaults if
// the daemon has never run before.
func (s *Store) GetRolloutState(ctx context.Context) (RolloutState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT phase, consecutive_clean_days, last_clean_day_check, total_users, active_users,
		       frozen, frozen_at, freeze_reason, frozen_by, briefings_disabled, last_phase_change
		FROM rollout_state WHERE id = 1`)

	var st RolloutState
	var lastCleanDayCheck, frozenAt, lastPhaseChange sql.NullString
	var freezeReason, frozenBy sql.NullString
	var frozen, briefingsDisabled int
	err := row.Scan(&st.Phase, &st.ConsecutiveCleanDays, &lastCleanDayCheck, &st.TotalUsers, &st.ActiveUsers,
		&frozen, &frozenAt, &freezeReason, &frozenBy, &briefingsDisabled, &lastPhaseChange)
	if errors.Is(err, sql.ErrNoRows) {
		return RolloutState{Phase: 0}, nil
	}
	if err != nil {
		return RolloutState{}, err
	}
	st.Frozen = frozen != 0
	st.BriefingsDisabled = briefingsDisabled != 0
	st.FreezeReason = freezeReason.String
	st.FrozenBy = frozenBy.String
	if lastCleanDayCheck.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastCleanDayCheck.String)
		st.LastCleanDayCheck = &t
	}
	if frozenAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, frozenAt.String)
		st.FrozenAt = &t
	}
	if lastPhaseChange.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPhaseChange.String)
		st.LastPhaseChange = &t
	}
	return st, nil
}

// SaveRolloutState upserts the singleton row.
func (s *Store) SaveRolloutState(ctx context.Context, st RolloutState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollout_state
			(id, phase, consecutive_clean_days, last_clean_day_check, total_users, active_users,
			 frozen, frozen_at, freeze_reason, frozen_by, briefings_disabled, last_phase_change)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			consecutive_clean_days = excluded.consecutive_clean_days,
			last_clean_day_check = excluded.last_clean_day_check,
			total_users = excluded.total_users,
			active_users = excluded.active_users,
			frozen = excluded.frozen,
			frozen_at = excluded.frozen_at,
			freeze_reason = excluded.freeze_reason,
			frozen_by = excluded.frozen_by,
			briefings_disabled = excluded.briefings_disabled,
			last_phase_change = excluded.last_phase_change`,
		st.Phase, st.ConsecutiveCleanDays, nullableTime(st.LastCleanDayCheck), st.TotalUsers, st.ActiveUsers,
		boolToInt(st.Frozen), nullableTime(st.FrozenAt), st.FreezeReason, st.FrozenBy,
		boolToInt(st.BriefingsDisabled), nullableTime(st.LastPhaseChange))
	return err
}

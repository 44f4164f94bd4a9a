package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// ApprovalRequest is a pending or resolved human-in-the-loop gate on an
// agent action.
type ApprovalRequest struct {
	ID                string
	Category          string
	Operation         string
	ActionBody        string
	Risk              string
	ContextText       string
	TechnicalDetails  string
	SessionID         string
	Owner             string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Status            string
	AutoRuleID        string
	Metadata          string
}

func (s *Store) InsertApproval(ctx context.Context, a ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(id, category, operation, action_body, risk, context_text, technical_details,
			 session_id, owner, created_at, expires_at, status, auto_rule_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Category, a.Operation, a.ActionBody, a.Risk, a.ContextText, a.TechnicalDetails,
		a.SessionID, a.Owner, a.CreatedAt.UTC().Format(time.RFC3339Nano), a.ExpiresAt.UTC().Format(time.RFC3339Nano),
		a.Status, a.AutoRuleID, a.Metadata)
	return err
}

func (s *Store) GetApproval(ctx context.Context, id string) (ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, operation, action_body, risk, context_text, technical_details,
		       session_id, owner, created_at, expires_at, status, auto_rule_id, metadata
		FROM approval_requests WHERE id = ?`, id)
	return scanApproval(row)
}

// CompareAndSwapApprovalStatus transitions an approval atomically, only
// when its current status matches from. It is how approve/deny/cancel
// serialize against a concurrent expiry sweep for the same id.
func (s *Store) CompareAndSwapApprovalStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListPendingApprovals returns all requests with status "pending", built
// with goqu against the (status, expires_at) index.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	return s.queryApprovals(ctx, s.dialect.From("approval_requests").
		Select(approvalColumns...).
		Where(goqu.C("status").Eq("pending")).
		Order(goqu.C("expires_at").Asc()))
}

// ListExpiredPendingApprovals returns pending requests whose expires_at has
// passed now, for the approval sweep.
func (s *Store) ListExpiredPendingApprovals(ctx context.Context, now time.Time) ([]ApprovalRequest, error) {
	return s.queryApprovals(ctx, s.dialect.From("approval_requests").
		Select(approvalColumns...).
		Where(
			goqu.C("status").Eq("pending"),
			goqu.C("expires_at").Lt(now.UTC().Format(time.RFC3339Nano)),
		).
		Order(goqu.C("expires_at").Asc()))
}

// ListApprovalHistory returns a session's requests, pending and resolved,
// most recent first, for audit review.
func (s *Store) ListApprovalHistory(ctx context.Context, sessionID string, limit int) ([]ApprovalRequest, error) {
	return s.queryApprovals(ctx, s.dialect.From("approval_requests").
		Select(approvalColumns...).
		Where(goqu.C("session_id").Eq(sessionID)).
		Order(goqu.C("created_at").Desc()).
		Limit(uint(limit)))
}

var approvalColumns = []any{
	"id", "category", "operation", "action_body", "risk", "context_text", "technical_details",
	"session_id", "owner", "created_at", "expires_at", "status", "auto_rule_id", "metadata",
}

func (s *Store) queryApprovals(ctx context.Context, qb *goqu.SelectDataset) ([]ApprovalRequest, error) {
	query, args, err := qb.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row scanner) (ApprovalRequest, error) {
	var a ApprovalRequest
	var createdAt, expiresAt string
	var owner, autoRuleID, metadata, techDetails sql.NullString
	if err := row.Scan(&a.ID, &a.Category, &a.Operation, &a.ActionBody, &a.Risk, &a.ContextText, &techDetails,
		&a.SessionID, &owner, &createdAt, &expiresAt, &a.Status, &autoRuleID, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalRequest{}, ErrNotFound
		}
		return ApprovalRequest{}, err
	}
	a.TechnicalDetails = techDetails.String
	a.Owner = owner.String
	a.AutoRuleID = autoRuleID.String
	a.Metadata = metadata.String
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return a, nil
}

// ApprovalAudit is one immutable entry in an approval request's history
// (requested, approved, denied, expired, executed, undone).
type ApprovalAudit struct {
	ID        string
	RequestID string
	Action    string
	At        time.Time
	Actor     string
	Details   string
}

func (s *Store) InsertApprovalAudit(ctx context.Context, a ApprovalAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_audit (id, request_id, action, at, actor, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.RequestID, a.Action, a.At.UTC().Format(time.RFC3339Nano), a.Actor, a.Details)
	return err
}

func (s *Store) ListApprovalAudit(ctx context.Context, requestID string) ([]ApprovalAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action, at, actor, details FROM approval_audit
		WHERE request_id = ? ORDER BY at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalAudit
	for rows.Next() {
		var a ApprovalAudit
		var at string
		var actor, details sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Action, &at, &actor, &details); err != nil {
			return nil, err
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		a.Actor = actor.String
		a.Details = details.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// AutoApprovalRule lets a "remember this choice" approval bypass future
// matching requests up to a risk ceiling.
type AutoApprovalRule struct {
	ID            string
	Category      string
	OperationGlob string
	RiskCeiling   string
	Owner         string
	ExpiresAt     *time.Time
}

func (s *Store) InsertAutoApprovalRule(ctx context.Context, r AutoApprovalRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_approval_rules (id, category, operation_glob, risk_ceiling, owner, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Category, r.OperationGlob, r.RiskCeiling, r.Owner, nullableTime(r.ExpiresAt))
	return err
}

func (s *Store) ListAutoApprovalRules(ctx context.Context) ([]AutoApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, operation_glob, risk_ceiling, owner, expires_at FROM auto_approval_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AutoApprovalRule
	for rows.Next() {
		var r AutoApprovalRule
		var owner sql.NullString
		var expiresAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Category, &r.OperationGlob, &r.RiskCeiling, &owner, &expiresAt); err != nil {
			return nil, err
		}
		r.Owner = owner.String
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAutoApprovalRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auto_approval_rules WHERE id = ?`, id)
	return err
}

// UndoTicket records a completed action's compensation hook and the
// deadline by which it can still be undone.
type UndoTicket struct {
	RequestID        string
	ExecutedAt       time.Time
	UndoDeadline     time.Time
	CompensationFnID string
}

func (s *Store) InsertUndoTicket(ctx context.Context, t UndoTicket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO undo_tickets (request_id, executed_at, undo_deadline, compensation_fn_id)
		VALUES (?, ?, ?, ?)`,
		t.RequestID, t.ExecutedAt.UTC().Format(time.RFC3339Nano), t.UndoDeadline.UTC().Format(time.RFC3339Nano), t.CompensationFnID)
	return err
}

func (s *Store) GetUndoTicket(ctx context.Context, requestID string) (UndoTicket, error) {
	var t UndoTicket
	var executedAt, deadline string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, executed_at, undo_deadline, compensation_fn_id FROM undo_tickets WHERE request_id = ?`,
		requestID).Scan(&t.RequestID, &executedAt, &deadline, &t.CompensationFnID)
	if errors.Is(err, sql.ErrNoRows) {
		return UndoTicket{}, ErrNotFound
	}
	if err != nil {
		return UndoTicket{}, err
	}
	t.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt)
	t.UndoDeadline, _ = time.Parse(time.RFC3339Nano, deadline)
	return t, nil
}

func (s *Store) DeleteUndoTicket(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM undo_tickets WHERE request_id = ?`, requestID)
	return err
}

func (s *Store) DeleteExpiredUndoTickets(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM undo_tickets WHERE undo_deadline < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

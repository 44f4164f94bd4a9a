// Package approval implements the Approval Queue (C10): risk-classified
// human-in-the-loop approval requests, TTL expiry, auto-approval rules,
// and an audit trail, per spec §4.10.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/broadcast"
	"github.com/atlasgw/atlas/internal/gatewayerr"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/storage"
)

// Topic is the broadcast topic an approve transition is published under,
// on the same Event Broadcaster the Execution/Undo Manager (C11) publishes
// "executed"/"undone" events to. Other transitions are not published here.
const Topic = "execution.approved"

// Category is the closed set of approval categories.
type Category string

const (
	CategoryFileWrite        Category = "file_write"
	CategoryFileDelete       Category = "file_delete"
	CategoryNetworkCall      Category = "network_call"
	CategoryCredentialUse    Category = "credential_use"
	CategoryDangerousCommand Category = "dangerous_command"
	CategoryExternalAPI      Category = "external_api"
	CategorySystemConfig     Category = "system_config"
)

// Status is the closed set of approval request states. Transitions only
// ever leave "pending" exactly once (spec §3 invariant).
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusExpired      Status = "expired"
	StatusAutoApproved Status = "auto_approved"
)

// Repo is the narrow storage dependency the approval queue needs.
type Repo interface {
	InsertApproval(ctx context.Context, a storage.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (storage.ApprovalRequest, error)
	CompareAndSwapApprovalStatus(ctx context.Context, id, from, to string) (bool, error)
	ListPendingApprovals(ctx context.Context) ([]storage.ApprovalRequest, error)
	ListExpiredPendingApprovals(ctx context.Context, now time.Time) ([]storage.ApprovalRequest, error)
	ListApprovalHistory(ctx context.Context, sessionID string, limit int) ([]storage.ApprovalRequest, error)
	InsertApprovalAudit(ctx context.Context, a storage.ApprovalAudit) error
	ListApprovalAudit(ctx context.Context, requestID string) ([]storage.ApprovalAudit, error)
	InsertAutoApprovalRule(ctx context.Context, r storage.AutoApprovalRule) error
	ListAutoApprovalRules(ctx context.Context) ([]storage.AutoApprovalRule, error)
	DeleteAutoApprovalRule(ctx context.Context, id string) error
}

// Request is the caller-visible shape of an approval request.
type Request struct {
	ID               string
	Category         Category
	Operation        string
	ActionBody       string
	Risk             Risk
	ContextText      string
	TechnicalDetails string
	SessionID        string
	Owner            string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Status           Status
	AutoRuleID       string
	Metadata         map[string]any
}

// Queue is the approval pipeline: classification, creation, transitions,
// and expiry sweeping.
type Queue struct {
	repo       Repo
	scorer     *Scorer
	auditLog   *audit.Log
	sink       *notify.Sink
	bus        *broadcast.Broadcaster
	defaultTTL time.Duration
}

// New builds a Queue.
func New(repo Repo, scorer *Scorer, auditLog *audit.Log, sink *notify.Sink, bus *broadcast.Broadcaster, defaultTTL time.Duration) *Queue {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Queue{repo: repo, scorer: scorer, auditLog: auditLog, sink: sink, bus: bus, defaultTTL: defaultTTL}
}

// Create builds a request, scores its risk, persists it, audits
// its creation, and evaluates auto-approval rules, per spec §4.10.
func (q *Queue) Create(ctx context.Context, category Category, operation, actionBody string, contextText, technicalDetails, sessionID, owner string, metadata map[string]any, ttl time.Duration) (Request, error) {
	if ttl <= 0 {
		ttl = q.defaultTTL
	}
	risk := q.scorer.Score(string(category), actionBody, owner)

	now := time.Now().UTC()
	req := Request{
		ID: uuid.NewString(), Category: category, Operation: operation, ActionBody: actionBody,
		Risk: risk, ContextText: contextText, TechnicalDetails: technicalDetails,
		SessionID: sessionID, Owner: owner, CreatedAt: now, ExpiresAt: now.Add(ttl),
		Status: StatusPending, Metadata: metadata,
	}

	metaJSON, err := encodeMeta(metadata)
	if err != nil {
		return Request{}, err
	}
	if err := q.repo.InsertApproval(ctx, storage.ApprovalRequest{
		ID: req.ID, Category: string(category), Operation: operation, ActionBody: actionBody,
		Risk: string(risk), ContextText: contextText, TechnicalDetails: technicalDetails,
		SessionID: sessionID, Owner: owner, CreatedAt: now, ExpiresAt: req.ExpiresAt,
		Status: string(StatusPending), Metadata: metaJSON,
	}); err != nil {
		return Request{}, fmt.Errorf("persist approval: %w", err)
	}
	if err := q.audit(ctx, req.ID, "created", owner, ""); err != nil {
		return Request{}, err
	}

	matched, err := q.tryAutoApprove(ctx, &req)
	if err != nil {
		return Request{}, err
	}
	if matched && q.sink != nil {
		// Not pending anymore; no operator notification needed.
	} else if q.sink != nil {
		q.sink.Send(notify.Notification{
			Kind: notify.KindApprovalPending, Title: "Approval needed: " + operation,
			Body: contextText, Owner: owner,
			Metadata: map[string]any{"request_id": req.ID, "risk": string(risk), "category": string(category)},
		})
	}
	return req, nil
}

// tryAutoApprove evaluates rules in insertion order and transitions req
// to auto_approved on the first match whose risk ceiling covers the
// request.
func (q *Queue) tryAutoApprove(ctx context.Context, req *Request) (bool, error) {
	rules, err := q.repo.ListAutoApprovalRules(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if rule.Category != string(req.Category) {
			continue
		}
		if rule.ExpiresAt != nil && now.After(*rule.ExpiresAt) {
			continue
		}
		if !MatchOperationGlob(rule.OperationGlob, req.Operation) {
			continue
		}
		if rule.Owner != "" && rule.Owner != req.Owner {
			continue
		}
		if !req.Risk.Covers(Risk(rule.RiskCeiling)) {
			continue
		}
		ok, err := q.repo.CompareAndSwapApprovalStatus(ctx, req.ID, string(StatusPending), string(StatusAutoApproved))
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		req.Status = StatusAutoApproved
		req.AutoRuleID = rule.ID
		if err := q.audit(ctx, req.ID, "auto_approved", "", rule.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Approve transitions a pending request to approved. remember, when
// true, installs an auto-approval rule for this category+operation so
// future identical requests bypass the queue.
func (q *Queue) Approve(ctx context.Context, id, actor string, remember bool) (Request, error) {
	req, err := q.transition(ctx, id, StatusApproved, actor, "")
	if err != nil {
		return Request{}, err
	}
	if remember {
		if err := q.repo.InsertAutoApprovalRule(ctx, storage.AutoApprovalRule{
			ID: uuid.NewString(), Category: string(req.Category), OperationGlob: req.Operation,
			RiskCeiling: string(req.Risk), Owner: req.Owner,
		}); err != nil {
			return req, fmt.Errorf("install auto-approval rule: %w", err)
		}
	}
	return req, nil
}

// Deny transitions a pending request to denied.
func (q *Queue) Deny(ctx context.Context, id, actor, reason string) (Request, error) {
	return q.transition(ctx, id, StatusDenied, actor, reason)
}

// transition performs the one allowed state change out of pending,
// serialized by the repo's compare-and-swap so a concurrent approve and
// deny (or expiry sweep) race cleanly: the first writer wins.
func (q *Queue) transition(ctx context.Context, id string, to Status, actor, details string) (Request, error) {
	row, err := q.repo.GetApproval(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if row.Status != string(StatusPending) {
		return Request{}, gatewayerr.InvalidState(fmt.Sprintf("approval %s is %s, not pending", id, row.Status))
	}
	ok, err := q.repo.CompareAndSwapApprovalStatus(ctx, id, string(StatusPending), string(to))
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, gatewayerr.InvalidState(fmt.Sprintf("approval %s already left pending", id))
	}
	action := "approved"
	if to == StatusDenied {
		action = "denied"
	}
	if err := q.audit(ctx, id, action, actor, details); err != nil {
		return Request{}, err
	}
	row.Status = string(to)
	if to == StatusApproved && q.bus != nil {
		q.bus.Publish(Topic, map[string]any{"request_id": id})
	}
	return toRequest(row), nil
}

// ExpireSweep moves every pending request whose expiry has passed to
// expired, auditing each. Idempotent: a request already moved out of
// pending by a concurrent approve/deny is simply absent from the next
// sweep's result set.
func (q *Queue) ExpireSweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := q.repo.ListExpiredPendingApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range expired {
		ok, err := q.repo.CompareAndSwapApprovalStatus(ctx, row.ID, string(StatusPending), string(StatusExpired))
		if err != nil {
			return n, err
		}
		if !ok {
			continue // raced with a concurrent approve/deny; not an error
		}
		if err := q.audit(ctx, row.ID, "expired", "", ""); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Pending returns every request currently awaiting a decision.
func (q *Queue) Pending(ctx context.Context) ([]Request, error) {
	rows, err := q.repo.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	return toRequests(rows), nil
}

// History returns a session's requests, pending and resolved, most recent
// first.
func (q *Queue) History(ctx context.Context, sessionID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.repo.ListApprovalHistory(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return toRequests(rows), nil
}

// Get returns a single request by id.
func (q *Queue) Get(ctx context.Context, id string) (Request, error) {
	row, err := q.repo.GetApproval(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return toRequest(row), nil
}

func (q *Queue) audit(ctx context.Context, requestID, action, actor, details string) error {
	if err := q.repo.InsertApprovalAudit(ctx, storage.ApprovalAudit{
		ID: uuid.NewString(), RequestID: requestID, Action: action, At: time.Now().UTC(),
		Actor: actor, Details: details,
	}); err != nil {
		return fmt.Errorf("persist approval audit: %w", err)
	}
	if q.auditLog == nil {
		return nil
	}
	auditType := map[string]audit.Type{
		"created": audit.ApprovalCreated, "approved": audit.ApprovalApproved,
		"denied": audit.ApprovalDenied, "expired": audit.ApprovalExpired,
		"auto_approved": audit.ApprovalAutoApproved,
	}[action]
	return q.auditLog.Record(ctx, audit.Entry{
		Type: auditType, Severity: audit.SeverityInfo, Message: fmt.Sprintf("approval %s %s", requestID, action),
		Owner: actor, Metadata: map[string]any{"request_id": requestID, "details": details},
	})
}

func toRequest(row storage.ApprovalRequest) Request {
	req := Request{
		ID: row.ID, Category: Category(row.Category), Operation: row.Operation, ActionBody: row.ActionBody,
		Risk: Risk(row.Risk), ContextText: row.ContextText, TechnicalDetails: row.TechnicalDetails,
		SessionID: row.SessionID, Owner: row.Owner, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt,
		Status: Status(row.Status), AutoRuleID: row.AutoRuleID,
	}
	if row.Metadata != "" {
		_ = json.Unmarshal([]byte(row.Metadata), &req.Metadata)
	}
	return req
}

func toRequests(rows []storage.ApprovalRequest) []Request {
	out := make([]Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRequest(r))
	}
	return out
}

func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode approval metadata: %w", err)
	}
	return string(b), nil
}

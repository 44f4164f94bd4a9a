// Package execution implements the Execution/Undo Manager (C11): runs an
// approved action through a caller-supplied sandboxed executor and, on
// success, mints a bounded-window Undo Ticket, per spec §4.11. The
// executor and its compensation hook are collaborator contracts — this
// package only enforces the window and the audit/event trail around them.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/broadcast"
	"github.com/atlasgw/atlas/internal/storage"
)

// Topic is the broadcast topic execution lifecycle events are published
// under ("execution.approved", "execution.executed", "execution.undone").
const Topic = "execution."

// Executor runs one approved action body and returns its result, or an
// error if the action could not be carried out. Concrete implementations
// (sandboxed subprocess, HTTP call, file mutation) are collaborators
// supplied by the caller per request.
type Executor func(ctx context.Context, category, actionBody string) (result string, err error)

// Compensator reverses the effect of a previously executed action. It is
// looked up by the compensation_fn_id stashed on the Undo Ticket at
// execution time.
type Compensator func(ctx context.Context, category, actionBody, result string) error

// Repo is the narrow storage dependency the manager needs.
type Repo interface {
	GetApproval(ctx context.Context, id string) (storage.ApprovalRequest, error)
	InsertUndoTicket(ctx context.Context, t storage.UndoTicket) error
	GetUndoTicket(ctx context.Context, requestID string) (storage.UndoTicket, error)
	DeleteUndoTicket(ctx context.Context, requestID string) error
	DeleteExpiredUndoTickets(ctx context.Context, before time.Time) (int, error)
}

// Manager runs approved actions and tracks their undo window.
type Manager struct {
	repo         Repo
	auditLog     *audit.Log
	bus          *broadcast.Broadcaster
	undoWindow   time.Duration
	compensators map[string]Compensator
}

// New builds a Manager.
func New(repo Repo, auditLog *audit.Log, bus *broadcast.Broadcaster, undoWindow time.Duration) *Manager {
	if undoWindow <= 0 {
		undoWindow = 30 * time.Second
	}
	return &Manager{repo: repo, auditLog: auditLog, bus: bus, undoWindow: undoWindow, compensators: make(map[string]Compensator)}
}

// RegisterCompensator associates a compensation_fn_id with the function
// that can reverse it, so Undo can dispatch by id rather than holding a
// live closure inside the persisted ticket.
func (m *Manager) RegisterCompensator(id string, fn Compensator) {
	m.compensators[id] = fn
}

// Execute runs an approved request's action via exec and, on success,
// mints an Undo Ticket bound to compensationFnID. requestID must
// reference a request already transitioned to approved/auto_approved by
// the Approval Queue — this package doesn't re-check that status itself,
// since the caller (the route handler) already holds the approval result.
func (m *Manager) Execute(ctx context.Context, requestID, category, actionBody, compensationFnID string, exec Executor) (string, error) {
	result, err := exec(ctx, category, actionBody)
	now := time.Now().UTC()
	if err != nil {
		if m.auditLog != nil {
			_ = m.auditLog.Record(ctx, audit.Entry{
				Type: audit.SandboxBlocked, Severity: audit.SeverityWarning,
				Message: fmt.Sprintf("execution failed for approval %s: %v", requestID, err),
			})
		}
		return "", fmt.Errorf("execute action: %w", err)
	}

	deadline := now.Add(m.undoWindow)
	if err := m.repo.InsertUndoTicket(ctx, storage.UndoTicket{
		RequestID: requestID, ExecutedAt: now, UndoDeadline: deadline, CompensationFnID: compensationFnID,
	}); err != nil {
		return result, fmt.Errorf("persist undo ticket: %w", err)
	}

	if m.auditLog != nil {
		_ = m.auditLog.Record(ctx, audit.Entry{
			Type: audit.SandboxExecution, Severity: audit.SeverityInfo,
			Message: fmt.Sprintf("executed approval %s", requestID),
			Metadata: map[string]any{"request_id": requestID, "category": category},
		})
	}
	if m.bus != nil {
		m.bus.Publish(Topic+"executed", map[string]any{"request_id": requestID, "undo_deadline": deadline})
	}
	return result, nil
}

// CanUndo reports whether requestID's ticket is still within its undo
// window.
func (m *Manager) CanUndo(ctx context.Context, requestID string) (available bool, remaining time.Duration, err error) {
	t, err := m.repo.GetUndoTicket(ctx, requestID)
	if err == storage.ErrNotFound {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	remaining = time.Until(t.UndoDeadline)
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// Undo runs the ticket's registered compensator and invalidates the
// ticket. Returns storage.ErrNotFound if no ticket exists (already undone
// or swept), and a "window has closed" error if the ticket is still
// stored but past its undo deadline.
func (m *Manager) Undo(ctx context.Context, requestID, category, actionBody, result string) error {
	t, err := m.repo.GetUndoTicket(ctx, requestID)
	if err != nil {
		return err
	}
	if time.Now().UTC().After(t.UndoDeadline) {
		return fmt.Errorf("undo window for %s has closed", requestID)
	}

	fn, ok := m.compensators[t.CompensationFnID]
	if !ok {
		return fmt.Errorf("no compensator registered for %s", t.CompensationFnID)
	}
	if err := fn(ctx, category, actionBody, result); err != nil {
		return fmt.Errorf("run compensation: %w", err)
	}
	if err := m.repo.DeleteUndoTicket(ctx, requestID); err != nil {
		return fmt.Errorf("invalidate undo ticket: %w", err)
	}

	if m.auditLog != nil {
		_ = m.auditLog.Record(ctx, audit.Entry{
			Type: audit.SandboxExecution, Severity: audit.SeverityWarning,
			Message: fmt.Sprintf("undone approval %s", requestID),
		})
	}
	if m.bus != nil {
		m.bus.Publish(Topic+"undone", map[string]any{"request_id": requestID})
	}
	return nil
}

// SweepExpiredTickets removes undo tickets past their deadline, invoked
// by the GC Scheduler (C14).
func (m *Manager) SweepExpiredTickets(ctx context.Context) (int, error) {
	return m.repo.DeleteExpiredUndoTickets(ctx, time.Now().UTC())
}

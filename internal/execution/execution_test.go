package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/storage"
)

type memRepo struct {
	mu      sync.Mutex
	tickets map[string]storage.UndoTicket
}

func newMemRepo() *memRepo { return &memRepo{tickets: make(map[string]storage.UndoTicket)} }

func (m *memRepo) GetApproval(context.Context, string) (storage.ApprovalRequest, error) {
	return storage.ApprovalRequest{}, nil
}

func (m *memRepo) InsertUndoTicket(_ context.Context, t storage.UndoTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.RequestID] = t
	return nil
}

func (m *memRepo) GetUndoTicket(_ context.Context, requestID string) (storage.UndoTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[requestID]
	if !ok {
		return storage.UndoTicket{}, storage.ErrNotFound
	}
	return t, nil
}

func (m *memRepo) DeleteUndoTicket(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tickets, requestID)
	return nil
}

func (m *memRepo) DeleteExpiredUndoTickets(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tickets {
		if t.UndoDeadline.Before(before) {
			delete(m.tickets, id)
			n++
		}
	}
	return n, nil
}

func TestExecuteMintsUndoTicketOnSuccess(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Minute)
	ctx := context.Background()

	result, err := m.Execute(ctx, "req1", "file_write", "/tmp/x", "comp1", func(context.Context, string, string) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %s", result)
	}

	available, remaining, err := m.CanUndo(ctx, "req1")
	if err != nil {
		t.Fatalf("can undo: %v", err)
	}
	if !available || remaining <= 0 {
		t.Fatalf("expected undo available with positive remaining, got %v %v", available, remaining)
	}
}

func TestExecuteFailureDoesNotMintTicket(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Minute)
	boom := errors.New("boom")

	_, err := m.Execute(context.Background(), "req1", "file_write", "/tmp/x", "comp1", func(context.Context, string, string) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if available, _, _ := m.CanUndo(context.Background(), "req1"); available {
		t.Fatalf("expected no undo ticket after a failed execution")
	}
}

func TestUndoRunsCompensatorAndInvalidatesTicket(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Minute)
	ctx := context.Background()

	var compensated bool
	m.RegisterCompensator("comp1", func(context.Context, string, string, string) error {
		compensated = true
		return nil
	})

	if _, err := m.Execute(ctx, "req1", "file_write", "/tmp/x", "comp1", func(context.Context, string, string) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := m.Undo(ctx, "req1", "file_write", "/tmp/x", "ok"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !compensated {
		t.Fatalf("expected the compensator to run")
	}
	if available, _, _ := m.CanUndo(ctx, "req1"); available {
		t.Fatalf("expected the ticket to be invalidated after undo")
	}

	if err := m.Undo(ctx, "req1", "file_write", "/tmp/x", "ok"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on a second undo, got %v", err)
	}
}

func TestUndoFailsWithoutRegisteredCompensator(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Minute)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "req1", "file_write", "/tmp/x", "missing", func(context.Context, string, string) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.Undo(ctx, "req1", "file_write", "/tmp/x", "ok"); err == nil {
		t.Fatalf("expected an error for a missing compensator")
	}
}

func TestUndoAfterWindowCloses(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Millisecond)
	ctx := context.Background()
	m.RegisterCompensator("comp1", func(context.Context, string, string, string) error { return nil })

	if _, err := m.Execute(ctx, "req1", "file_write", "/tmp/x", "comp1", func(context.Context, string, string) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := m.Undo(ctx, "req1", "file_write", "/tmp/x", "ok"); err == nil {
		t.Fatalf("expected undo to fail once the window has closed")
	}
}

func TestSweepExpiredTickets(t *testing.T) {
	repo := newMemRepo()
	m := New(repo, nil, nil, time.Millisecond)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "req1", "file_write", "/tmp/x", "comp1", func(context.Context, string, string) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := m.SweepExpiredTickets(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept ticket, got %d", n)
	}
}

package audit

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/storage"
)

type memRepo struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memRepo) InsertAuditEntry(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRepo) QueryAuditLog(_ context.Context, filter storage.AuditFilter) ([]storage.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AuditEntry
	for _, e := range m.entries {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memRepo) PruneAuditLog(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []storage.AuditEntry
	n := 0
	for _, e := range m.entries {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func TestRecordStampsIDAndTimestamp(t *testing.T) {
	repo := &memRepo{}
	log := New(repo)

	if err := log.Record(context.Background(), Entry{Type: ApprovalCreated, Severity: SeverityInfo, Message: "test"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].ID == "" {
		t.Fatalf("expected a stamped ID")
	}
	if repo.entries[0].At.IsZero() {
		t.Fatalf("expected a stamped timestamp")
	}
}

func TestQueryFiltersByType(t *testing.T) {
	repo := &memRepo{}
	log := New(repo)
	ctx := context.Background()
	_ = log.Record(ctx, Entry{Type: ApprovalCreated, Message: "a"})
	_ = log.Record(ctx, Entry{Type: ApprovalDenied, Message: "b"})

	got, err := log.Query(ctx, Filter{Type: ApprovalDenied})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Message != "b" {
		t.Fatalf("expected only the denied entry, got %+v", got)
	}
}

func TestPruneAuditLogDeletesOlderEntries(t *testing.T) {
	repo := &memRepo{}
	log := New(repo)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	_ = log.Record(ctx, Entry{Type: ApprovalCreated, Message: "old", At: old})
	_ = log.Record(ctx, Entry{Type: ApprovalCreated, Message: "new"})

	n, err := log.PruneAuditLog(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
	if len(repo.entries) != 1 || repo.entries[0].Message != "new" {
		t.Fatalf("expected only the new entry to survive, got %+v", repo.entries)
	}
}

func TestExportJSONAndCSV(t *testing.T) {
	entries := []Entry{
		{ID: "1", Type: ApprovalCreated, Severity: SeverityInfo, Message: "hello", At: time.Unix(1000, 0)},
	}

	var jsonBuf bytes.Buffer
	if err := ExportJSON(&jsonBuf, entries); err != nil {
		t.Fatalf("export json: %v", err)
	}
	if !strings.Contains(jsonBuf.String(), "hello") {
		t.Fatalf("expected exported JSON to contain the message, got %s", jsonBuf.String())
	}

	var csvBuf bytes.Buffer
	if err := ExportCSV(&csvBuf, entries); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(csvBuf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected a header row plus one data row, got %d lines", len(lines))
	}
}

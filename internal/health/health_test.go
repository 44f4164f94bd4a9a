package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/provider"
)

type fakeProvider struct {
	calls  int
	status provider.HealthStatus
	err    error
}

func (f *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("unused")
}

func (f *fakeProvider) Stream(ctx context.Context, req provider.ChatRequest, fn func(string)) (*provider.ChatResponse, error) {
	return nil, errors.New("unused")
}

func (f *fakeProvider) CheckHealth(ctx context.Context) (provider.HealthStatus, error) {
	f.calls++
	return f.status, f.err
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]provider.CatalogModel, error) {
	return nil, nil
}

func TestStatusRefreshesOnceThenCaches(t *testing.T) {
	fp := &fakeProvider{status: provider.HealthStatus{Available: true, LatencyMS: 5}}
	c := New(map[string]provider.Provider{"a": fp}, time.Minute)

	s1, err := c.Status(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s1.Available {
		t.Fatalf("expected available snapshot")
	}
	if fp.calls != 1 {
		t.Fatalf("expected 1 CheckHealth call, got %d", fp.calls)
	}

	s2, err := c.Status(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.calls != 1 {
		t.Fatalf("expected cached result, got %d calls", fp.calls)
	}
	if s2.CheckedAt != s1.CheckedAt {
		t.Fatalf("expected identical cached snapshot")
	}
}

func TestStatusRefreshesAfterTTLExpires(t *testing.T) {
	fp := &fakeProvider{status: provider.HealthStatus{Available: true}}
	c := New(map[string]provider.Provider{"a": fp}, time.Millisecond)

	if _, err := c.Status(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Status(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.calls != 2 {
		t.Fatalf("expected a second refresh after TTL expiry, got %d calls", fp.calls)
	}
}

func TestStatusUnknownProvider(t *testing.T) {
	c := New(map[string]provider.Provider{}, time.Minute)
	if _, err := c.Status(context.Background(), "missing"); err == nil {
		t.Fatalf("expected ErrUnknownProvider")
	}
}

func TestPeekDoesNotTriggerRefresh(t *testing.T) {
	fp := &fakeProvider{status: provider.HealthStatus{Available: true}}
	c := New(map[string]provider.Provider{"a": fp}, time.Minute)

	if _, ok := c.Peek("a"); ok {
		t.Fatalf("expected no snapshot before first Status call")
	}
	if fp.calls != 0 {
		t.Fatalf("Peek must never call CheckHealth, got %d calls", fp.calls)
	}

	if _, err := c.Status(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, ok := c.Peek("a")
	if !ok || !snap.Available {
		t.Fatalf("expected cached snapshot after Status call")
	}
	if fp.calls != 1 {
		t.Fatalf("Peek must not add a call, got %d", fp.calls)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	fp := &fakeProvider{status: provider.HealthStatus{Available: true}}
	c := New(map[string]provider.Provider{"a": fp}, time.Minute)

	if _, err := c.Status(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Invalidate("a")
	if _, ok := c.Peek("a"); ok {
		t.Fatalf("expected snapshot to be dropped after Invalidate")
	}
	if _, err := c.Status(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.calls != 2 {
		t.Fatalf("expected a refresh after Invalidate, got %d calls", fp.calls)
	}
}

func TestRefreshAllFansOutConcurrently(t *testing.T) {
	a := &fakeProvider{status: provider.HealthStatus{Available: true}}
	b := &fakeProvider{status: provider.HealthStatus{Available: false, Error: "down"}}
	c := New(map[string]provider.Provider{"a": a, "b": b}, time.Minute)

	results := c.RefreshAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results["a"].Available {
		t.Fatalf("expected provider a available")
	}
	if results["b"].Available {
		t.Fatalf("expected provider b unavailable")
	}
}

func TestCheckHealthErrorYieldsUnavailableSnapshot(t *testing.T) {
	fp := &fakeProvider{err: errors.New("boom")}
	c := New(map[string]provider.Provider{"a": fp}, time.Minute)

	snap, err := c.Status(context.Background(), "a")
	if err != nil {
		t.Fatalf("health cache itself must not raise: %v", err)
	}
	if snap.Available {
		t.Fatalf("expected unavailable snapshot on CheckHealth error")
	}
	if snap.Error == "" {
		t.Fatalf("expected error message to be recorded")
	}
}

// Package health maintains the last known Provider Status for every
// registered provider, per spec §4.4: callers get a cached snapshot
// unless it is older than the configured TTL or missing, in which case
// the cache blocks on one fresh check_health call.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/atlasgw/atlas/internal/provider"
)

// Status is a point-in-time liveness snapshot for one provider, mirroring
// the spec §3 Provider Status entity.
type Status struct {
	Provider        string
	Available       bool
	LatencyMS       int64
	CheckedAt       time.Time
	AvailableModels []string
	Error           string
}

func (s Status) stale(ttl time.Time) bool {
	return s.CheckedAt.Before(ttl)
}

// Cache holds the latest snapshot per provider behind a single mutex,
// which is not held while a provider's health check runs.
type Cache struct {
	ttl       time.Duration
	providers map[string]provider.Provider

	mu        sync.Mutex
	snapshots map[string]Status
}

// New builds a health Cache over the given provider registry.
func New(providers map[string]provider.Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{ttl: ttl, providers: providers, snapshots: make(map[string]Status, len(providers))}
}

// Status returns the cached snapshot for name, refreshing it first if
// missing or older than the TTL.
func (c *Cache) Status(ctx context.Context, name string) (Status, error) {
	c.mu.Lock()
	snap, ok := c.snapshots[name]
	c.mu.Unlock()

	if ok && !snap.stale(time.Now().Add(-c.ttl)) {
		return snap, nil
	}
	return c.refresh(ctx, name)
}

// Peek returns the cached snapshot without triggering a refresh, for
// read-mostly callers (the router's candidate filter) that would rather
// skip a stale/unavailable provider than block on a health check.
func (c *Cache) Peek(name string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[name]
	return snap, ok
}

func (c *Cache) refresh(ctx context.Context, name string) (Status, error) {
	p, ok := c.providers[name]
	if !ok {
		return Status{}, ErrUnknownProvider{Provider: name}
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := p.CheckHealth(hctx)
	snap := Status{
		Provider:        name,
		Available:       err == nil && result.Available,
		LatencyMS:       result.LatencyMS,
		CheckedAt:       time.Now().UTC(),
		AvailableModels: result.AvailableModels,
	}
	if err != nil {
		snap.Error = err.Error()
	} else {
		snap.Error = result.Error
	}

	c.mu.Lock()
	c.snapshots[name] = snap
	c.mu.Unlock()
	return snap, nil
}

// RefreshAll fans out check_health concurrently across every registered
// provider, per spec §4.4.
func (c *Cache) RefreshAll(ctx context.Context) map[string]Status {
	var wg sync.WaitGroup
	results := make(map[string]Status, len(c.providers))
	var mu sync.Mutex

	for name := range c.providers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			snap, err := c.refresh(ctx, name)
			if err != nil {
				return
			}
			mu.Lock()
			results[name] = snap
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Invalidate drops the cached snapshot for name, forcing the next Status
// call to refresh. Used on administrative action (credential rotation, a
// newly pulled local model).
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, name)
}

// ErrUnknownProvider is returned when Status/refresh is asked about a name
// not present in the registry.
type ErrUnknownProvider struct{ Provider string }

func (e ErrUnknownProvider) Error() string {
	return "health: unknown provider " + e.Provider
}

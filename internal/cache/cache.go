// Package cache implements the prompt cache and request deduplicator
// (C6): a content-addressed, strict-LRU response cache keyed on the
// canonical JSON of a request, per spec §4.6.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Request is the canonicalizable subset of a chat request used to derive
// a cache key. Keying on this rather than the full provider.ChatRequest
// keeps this package free of a dependency on the provider wire types.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	OwnerSession string // optional: when set, salts the key per-session
}

// Message is one turn's worth of content for key derivation.
type Message struct {
	Role    string
	Content string
}

// Config mirrors config.CacheConfig.
type Config struct {
	DefaultTTL  time.Duration
	MaxEntries  int
	SweepPeriod time.Duration
	// TimeBucket quantizes cache keys to a coarse time window so that an
	// identical request sent a day apart does not collide with a stale
	// entry indefinitely; zero disables time-bucketing.
	TimeBucket time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = 60 * time.Second
	}
	return c
}

// Stats are the cost-attribution counters spec §4.6 requires.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a content-addressed, strict-LRU-by-insertion response cache.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently inserted

	hits, misses, evictions int64

	stopSweep context.CancelFunc
}

// New builds a Cache and starts its background expiry sweep.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopSweep = cancel
	go c.sweepLoop(ctx)
	return c
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	if c.stopSweep != nil {
		c.stopSweep()
	}
}

// Key derives the content-addressed cache key for req: a 16-hex-digit
// prefix of the SHA-256 of the canonical JSON encoding, optionally salted
// with the owner-session identifier and a quantized time bucket.
func Key(req Request, now time.Time, bucket time.Duration) string {
	canon := canonicalize(req)
	if req.OwnerSession != "" {
		canon = append(canon, []byte("|session="+req.OwnerSession)...)
	}
	if bucket > 0 {
		bucketIdx := now.Unix() / int64(bucket.Seconds())
		canon = append(canon, []byte("|bucket="+strconv.FormatInt(bucketIdx, 10))...)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize builds a deterministic JSON encoding of the cache-relevant
// request fields, independent of map/slice iteration order.
func canonicalize(req Request) []byte {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	type canonical struct {
		Model        string    `json:"model"`
		SystemPrompt string    `json:"system_prompt"`
		Messages     []Message `json:"messages"`
	}
	out, _ := json.Marshal(canonical{Model: req.Model, SystemPrompt: req.SystemPrompt, Messages: msgs})
	return out
}

// Check reports whether req is a cached duplicate, returning the cached
// value if so, per spec §4.6's check(req) operation.
func (c *Cache) Check(req Request) (value any, duplicate bool) {
	key := Key(req, time.Now(), c.cfg.TimeBucket)
	return c.get(key)
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Cache stores resp under req's key with the given TTL (or the
// configured default when ttl is zero), evicting the oldest insertion if
// the cache is at capacity.
func (c *Cache) Cache(req Request, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	key := Key(req, time.Now(), c.cfg.TimeBucket)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	elem := c.order.PushFront(key)
	c.entries[key] = &entry{key: key, value: value, expiresAt: time.Now().Add(ttl), elem: elem}
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	c.order.Remove(oldest)
	delete(c.entries, key)
	c.evictions++
}

// ProducerFunc computes a fresh value for req when there is no cached hit.
type ProducerFunc func(ctx context.Context) (any, error)

// Dedupe returns the cached result for req if present, otherwise invokes
// produce exactly once, caches its result, and returns it — spec §4.6's
// dedupe(req, producer_fn, ttl) convenience operation and the "producer
// invoked exactly once within TTL" idempotence guarantee.
func (c *Cache) Dedupe(ctx context.Context, req Request, ttl time.Duration, produce ProducerFunc) (any, error) {
	if value, ok := c.Check(req); ok {
		return value, nil
	}
	value, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	c.Cache(req, value, ttl)
	return value, nil
}

// Stats returns a snapshot of the cost-attribution counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}

func (c *Cache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expiredKeys []string
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			expiredKeys = append(expiredKeys, k)
		}
	}
	sort.Strings(expiredKeys) // deterministic order for tests/logging
	for _, k := range expiredKeys {
		e := c.entries[k]
		c.order.Remove(e.elem)
		delete(c.entries, k)
	}
	return len(expiredKeys)
}

// SweepExpired runs an out-of-band expiry pass and returns the number of
// entries removed, for the GC Scheduler's (C14) single-pass sweep — in
// addition to, not instead of, this cache's own periodic sweepLoop.
func (c *Cache) SweepExpired() int {
	return c.sweepExpired()
}

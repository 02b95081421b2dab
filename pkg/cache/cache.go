// Package cache implements the resolver's TTL-aware reply cache: a single
// mutex-protected LRU keyed by (qname, qtype, qclass), with negative
// caching, a stale-while-revalidate window, and deterministic two-phase
// eviction (expired-first, then least-recently-used).
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/lru"
	"github.com/resilientdns/resilientdns/pkg/metrics"
)

// Status describes the outcome of a Get.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

// Entry is a single cached reply. Wire holds the whole packed reply
// (header, question and all RR sections) as received, with its original
// TTLs; Offsets are
// the byte positions of each non-OPT RR's TTL field, precomputed so a hit
// can rewrite TTLs and the transaction ID without a full unpack/repack.
type Entry struct {
	Key      dnsutils.CacheKey
	Wire     []byte
	Offsets  []uint16
	Negative bool

	insertedAt time.Time
	ttl        time.Duration
	staleUntil time.Time

	hits    atomic.Uint32
	lastHit atomic.Int64 // unix nanos
}

const maxHits = 1<<31 - 1

// Age returns how long ago the entry was inserted.
func (e *Entry) Age() time.Duration { return time.Since(e.insertedAt) }

// RemainingTTL returns the TTL left before the entry goes stale, floored
// at zero.
func (e *Entry) RemainingTTL() time.Duration {
	r := e.ttl - e.Age()
	if r < 0 {
		return 0
	}
	return r
}

// Hits returns the entry's current hit count.
func (e *Entry) Hits() uint32 { return e.hits.Load() }

// LastHit returns the time of the most recent hit.
func (e *Entry) LastHit() time.Time { return time.Unix(0, e.lastHit.Load()) }

func (e *Entry) bumpHit(now time.Time) {
	for {
		cur := e.hits.Load()
		if cur >= maxHits {
			break
		}
		if e.hits.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	e.lastHit.Store(now.UnixNano())
}

// sentinelMaxSize is large enough that the underlying generic LRU's own
// evict-on-Add path never fires; Cache.Put enforces maxEntries itself so it
// can run an expired-first eviction phase before falling back to plain LRU
// order.
const sentinelMaxSize = 1 << 24

// Cache is a bounded, concurrency-safe store of Entry values.
type Cache struct {
	mu         sync.Mutex
	l          *lru.LRU[dnsutils.CacheKey, *Entry]
	maxEntries int
	m          *metrics.Metrics
}

// New creates a Cache that evicts down to maxEntries whenever Put leaves
// it over capacity.
func New(maxEntries int, m *metrics.Metrics) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		l:          lru.NewLRU[dnsutils.CacheKey, *Entry](sentinelMaxSize, nil),
		maxEntries: maxEntries,
		m:          m,
	}
}

// Get looks up key, bumping hit accounting and LRU recency on Fresh or
// Stale. An absent key is a Miss with no effect; an entry past its stale
// window is also reported as Miss, but the lookup still moves it to the
// most-recently-used position.
func (c *Cache) Get(key dnsutils.CacheKey) (*Entry, Status) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.l.Get(key)
	c.mu.Unlock()

	if !ok {
		return nil, Miss
	}

	switch {
	case e.RemainingTTL() > 0:
		e.bumpHit(now)
		if e.Negative {
			c.m.CacheHitNegative.Inc()
		} else {
			c.m.CacheHitFresh.Inc()
		}
		return e, Fresh
	case now.Before(e.staleUntil):
		e.bumpHit(now)
		c.m.CacheHitStale.Inc()
		return e, Stale
	default:
		return e, Miss
	}
}

// Put inserts or replaces the entry for key with the given wire payload,
// TTL offsets, effective TTL, and serve-stale window, then runs eviction if
// the cache is over capacity.
func (c *Cache) Put(key dnsutils.CacheKey, wire []byte, offsets []uint16, negative bool, ttl, serveStaleMax time.Duration) *Entry {
	now := time.Now()
	e := &Entry{
		Key:        key,
		Wire:       wire,
		Offsets:    offsets,
		Negative:   negative,
		insertedAt: now,
		ttl:        ttl,
		staleUntil: now.Add(ttl).Add(serveStaleMax),
	}

	c.mu.Lock()
	c.l.Add(key, e)
	c.evictLocked(now)
	size := c.l.Len()
	c.mu.Unlock()

	c.m.CacheEntries.Set(float64(size))
	return e
}

// evictLocked must be called with mu held. It removes expired-first
// (past stale_until), then least-recently-used, until the cache is back
// within maxEntries.
func (c *Cache) evictLocked(now time.Time) {
	if c.l.Len() <= c.maxEntries {
		return
	}

	removed := c.l.Clean(func(_ dnsutils.CacheKey, e *Entry) bool {
		if c.l.Len() <= c.maxEntries {
			return false
		}
		return !now.Before(e.staleUntil)
	})
	if removed > 0 {
		c.m.CacheEvictions.Add(float64(removed))
	}

	for c.l.Len() > c.maxEntries {
		if _, _, ok := c.l.PopOldest(); ok {
			c.m.CacheEvictions.Inc()
		} else {
			break
		}
	}
}

// Clear drops every entry. Triggered by the external cache-clear signal.
func (c *Cache) Clear() {
	c.mu.Lock()
	for {
		if _, _, ok := c.l.PopOldest(); !ok {
			break
		}
	}
	c.mu.Unlock()

	c.m.CacheClears.Inc()
	c.m.CacheEntries.Set(0)
}

// Stats is a point-in-time snapshot of cache size.
type Stats struct {
	Size int
}

// StatsSnapshot returns the current size of the cache.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.l.Len()}
}

// Scan calls f for every entry in stable (oldest-inserted/least-recently-
// used first) order, used by the refresh scheduler's periodic sweep. f
// must not call back into the Cache.
func (c *Cache) Scan(f func(*Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l.Clean(func(_ dnsutils.CacheKey, e *Entry) bool {
		f(e)
		return false
	})
}

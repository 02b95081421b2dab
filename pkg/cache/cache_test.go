package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
)

func key(name string) dnsutils.CacheKey {
	return dnsutils.CacheKey{Name: name, Qtype: 1, Qclass: 1}
}

func TestPutIdempotence(t *testing.T) {
	c := New(10, metrics.New())
	k := key("example.com")

	c.Put(k, []byte("v1"), nil, false, time.Minute, time.Minute)
	c.Put(k, []byte("v2"), nil, false, time.Minute, time.Minute)

	e, status := c.Get(k)
	require.Equal(t, Fresh, status)
	assert.Equal(t, []byte("v2"), e.Wire)
	assert.Equal(t, 1, c.StatsSnapshot().Size)
}

func TestFreshStaleMiss(t *testing.T) {
	c := New(10, metrics.New())
	k := key("fresh.example")

	c.Put(k, []byte("x"), nil, false, 10*time.Millisecond, 30*time.Millisecond)

	_, status := c.Get(k)
	assert.Equal(t, Fresh, status)

	time.Sleep(20 * time.Millisecond)
	_, status = c.Get(k)
	assert.Equal(t, Stale, status)

	time.Sleep(30 * time.Millisecond)
	_, status = c.Get(k)
	assert.Equal(t, Miss, status)
}

func TestEvictionOrderExpiredFirst(t *testing.T) {
	c := New(2, metrics.New())

	// k1 expires (past stale_until) almost immediately.
	c.Put(key("k1"), []byte("1"), nil, false, time.Nanosecond, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	// k2 is fresh and long-lived.
	c.Put(key("k2"), []byte("2"), nil, false, time.Hour, time.Hour)
	// k3 insertion pushes the cache over capacity; k1 is past stale_until
	// so it must be evicted before any LRU consideration of k2.
	c.Put(key("k3"), []byte("3"), nil, false, time.Hour, time.Hour)

	_, status := c.Get(key("k1"))
	assert.Equal(t, Miss, status)
	_, status = c.Get(key("k2"))
	assert.Equal(t, Fresh, status)
	_, status = c.Get(key("k3"))
	assert.Equal(t, Fresh, status)
}

func TestEvictionFallsBackToLRU(t *testing.T) {
	c := New(2, metrics.New())

	c.Put(key("a"), []byte("a"), nil, false, time.Hour, time.Hour)
	c.Put(key("b"), []byte("b"), nil, false, time.Hour, time.Hour)
	// Touch "a" so "b" becomes the least recently used.
	c.Get(key("a"))
	c.Put(key("c"), []byte("c"), nil, false, time.Hour, time.Hour)

	_, status := c.Get(key("b"))
	assert.Equal(t, Miss, status, "least recently used entry should be evicted")
	_, status = c.Get(key("a"))
	assert.Equal(t, Fresh, status)
	_, status = c.Get(key("c"))
	assert.Equal(t, Fresh, status)
}

func TestClear(t *testing.T) {
	c := New(10, metrics.New())
	c.Put(key("x"), []byte("x"), nil, false, time.Hour, time.Hour)
	c.Clear()
	assert.Equal(t, 0, c.StatsSnapshot().Size)
	_, status := c.Get(key("x"))
	assert.Equal(t, Miss, status)
}

func TestHitCounting(t *testing.T) {
	c := New(10, metrics.New())
	k := key("hits.example")
	c.Put(k, []byte("x"), nil, false, time.Hour, time.Hour)

	for i := 0; i < 5; i++ {
		c.Get(k)
	}
	e, _ := c.Get(k)
	assert.Equal(t, uint32(6), e.Hits())
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientdns/resilientdns/pkg/admission"
	"github.com/resilientdns/resilientdns/pkg/cache"
	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
	"github.com/resilientdns/resilientdns/pkg/upstream"
)

// fakeTransport answers every query with a canned reply (or a canned
// error) and counts calls so tests can assert single-flight dedup
// collapsed concurrent misses into one upstream round trip.
type fakeTransport struct {
	calls atomic.Int32
	build func(q *dns.Msg) *dns.Msg
	err   error
	delay time.Duration
}

func (f *fakeTransport) Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	q := new(dns.Msg)
	if err := q.Unpack(wireQuery); err != nil {
		return nil, err
	}
	return f.build(q).Pack()
}

func (f *fakeTransport) Close() error { return nil }

func newResolver(t *testing.T, transport upstream.Transport, gate RefreshGate) (*Resolver, *cache.Cache, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	c := cache.New(1000, m)
	a := admission.New(8, m)
	ttl := TTLPolicy{NegativeTTL: time.Minute, ServeStaleMax: time.Minute}
	return New(c, a, transport, m, ttl, time.Second, gate), c, m
}

func query(name string, qtype uint16) []byte {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.Id = 42
	wire, _ := q.Pack()
	return wire
}

func positiveReply(ttl uint32) func(q *dns.Msg) *dns.Msg {
	return func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		rr, _ := dns.NewRR(fmt.Sprintf("%s %d IN A 192.0.2.1", q.Question[0].Name, ttl))
		r.Answer = []dns.RR{rr}
		return r
	}
}

func TestHandleMissThenHit(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300)}
	r, _, m := newResolver(t, transport, nil)

	reply1, err := r.Handle(context.Background(), query("example.com", dns.TypeA))
	require.NoError(t, err)
	require.NotEmpty(t, reply1)
	assert.EqualValues(t, 1, transport.calls.Load())

	reply2, err := r.Handle(context.Background(), query("example.com", dns.TypeA))
	require.NoError(t, err)
	require.NotEmpty(t, reply2)
	assert.EqualValues(t, 1, transport.calls.Load(), "second query must be served from cache, not upstream")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitFresh))
}

func TestHandleMalformedQueryIsDropped(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300)}
	r, _, _ := newResolver(t, transport, nil)

	_, err := r.Handle(context.Background(), []byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandleUpstreamFailureWithNoCacheIsServfail(t *testing.T) {
	transport := &fakeTransport{err: &upstream.Error{Kind: upstream.UdpTimeout, Err: errors.New("timeout")}}
	r, _, m := newResolver(t, transport, nil)

	_, err := r.Handle(context.Background(), query("nope.example", dns.TypeA))
	assert.ErrorIs(t, err, ErrServfail)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamUDPTimeouts))
}

func TestHandleServesStaleWhenUpstreamFailsAfterPopulated(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(1)}
	r, c, _ := newResolver(t, transport, nil)

	_, err := r.Handle(context.Background(), query("stale.example", dns.TypeA))
	require.NoError(t, err)

	key := dnsutils.CacheKey{Name: "stale.example", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	entry, status := c.Get(key)
	require.Equal(t, cache.Fresh, status)
	require.NotNil(t, entry)

	transport.err = &upstream.Error{Kind: upstream.UdpError, Err: errors.New("down")}
	time.Sleep(1100 * time.Millisecond)

	reply, err := r.Handle(context.Background(), query("stale.example", dns.TypeA))
	require.NoError(t, err, "a stale entry must be served instead of SERVFAIL")
	assert.NotEmpty(t, reply)
}

func TestHandleNegativeReplyIsCachedWithSOAMinttl(t *testing.T) {
	transport := &fakeTransport{build: func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetRcode(q, dns.RcodeNameError)
		soa, _ := dns.NewRR(". 300 IN SOA a. b. 1 1 1 1 5")
		r.Ns = []dns.RR{soa}
		return r
	}}
	r, c, _ := newResolver(t, transport, nil)

	_, err := r.Handle(context.Background(), query("nx.example", dns.TypeA))
	require.NoError(t, err)

	key := dnsutils.CacheKey{Name: "nx.example", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	entry, status := c.Get(key)
	require.Equal(t, cache.Fresh, status)
	assert.True(t, entry.Negative)
	// SOA MINIMUM is 5s, below the 1m negative_ttl, so it sets the TTL.
	assert.LessOrEqual(t, entry.RemainingTTL(), 5*time.Second)
}

// fakeGate records every Enqueue call and always says yes when asked
// whether to refresh, so fresh-hit and stale-hit triggers can be asserted
// without a real refresh.Scheduler.
type fakeGate struct {
	mu       sync.Mutex
	enqueued []dnsutils.CacheKey
}

func (g *fakeGate) ShouldRefresh(e *cache.Entry) bool { return true }

func (g *fakeGate) Enqueue(key dnsutils.CacheKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enqueued = append(g.enqueued, key)
	return true
}

func TestHandleFreshHitTriggersRefreshWhenGateSaysYes(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300)}
	gate := &fakeGate{}
	r, _, _ := newResolver(t, transport, gate)

	_, err := r.Handle(context.Background(), query("popular.example", dns.TypeA))
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), query("popular.example", dns.TypeA))
	require.NoError(t, err)

	gate.mu.Lock()
	defer gate.mu.Unlock()
	require.Len(t, gate.enqueued, 1)
	assert.Equal(t, "popular.example", gate.enqueued[0].Name)
}

func TestHandleStaleHitAlwaysTriggersRefreshAndCountsSWR(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(1)}
	gate := &fakeGate{}
	r, _, m := newResolver(t, transport, gate)

	_, err := r.Handle(context.Background(), query("swr.example", dns.TypeA))
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = r.Handle(context.Background(), query("swr.example", dns.TypeA))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SWRRefreshTriggered))
	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Len(t, gate.enqueued, 1)
}

func TestHandleConcurrentMissesDedupViaSingleflight(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300), delay: 50 * time.Millisecond}
	// Every caller takes its own admission permit before joining the
	// single-flight call, so the controller needs one permit per
	// concurrent caller for all ten to reach it.
	m := metrics.New()
	c := cache.New(1000, m)
	a := admission.New(10, m)
	ttl := TTLPolicy{NegativeTTL: time.Minute, ServeStaleMax: time.Minute}
	r := New(c, a, transport, m, ttl, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Handle(context.Background(), query("dedup.example", dns.TypeA))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, transport.calls.Load())
	assert.Greater(t, testutil.ToFloat64(m.SingleflightDedup), float64(0))
}

func TestHandleAdmissionDeniedIsUnconditionalServfail(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300), delay: 200 * time.Millisecond}
	m := metrics.New()
	c := cache.New(1000, m)
	a := admission.New(1, m)
	ttl := TTLPolicy{NegativeTTL: time.Minute, ServeStaleMax: time.Minute}
	r := New(c, a, transport, m, ttl, time.Second, nil)

	release, ok := a.TryAcquire()
	require.True(t, ok, "test setup must be able to take the sole permit")
	defer release()

	_, err := r.Handle(context.Background(), query("saturated.example", dns.TypeA))
	assert.ErrorIs(t, err, ErrServfail, "admission denial must be an unconditional SERVFAIL, never a late-stale serve")
	assert.EqualValues(t, 0, transport.calls.Load(), "a denied query must never reach the transport")
}

func TestRefreshOneReusesResolveAndCache(t *testing.T) {
	transport := &fakeTransport{build: positiveReply(300)}
	r, c, _ := newResolver(t, transport, nil)

	key := dnsutils.CacheKey{Name: "refresh.example", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	err := r.RefreshOne(context.Background(), key)
	require.NoError(t, err)

	_, status := c.Get(key)
	assert.Equal(t, cache.Fresh, status)
}

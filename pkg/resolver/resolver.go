// Package resolver implements the foreground query algorithm: cache lookup,
// admission control, single-flight-deduplicated upstream resolution, and
// cache population.
package resolver

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/resilientdns/resilientdns/pkg/admission"
	"github.com/resilientdns/resilientdns/pkg/cache"
	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
	"github.com/resilientdns/resilientdns/pkg/pool"
	"github.com/resilientdns/resilientdns/pkg/upstream"
)

// ErrMalformed is returned (never to the client, only to the listener
// layer) when a query can't be parsed; the listener sends no reply.
var ErrMalformed = errors.New("malformed dns query")

// ErrServfail means no cached or upstream reply could be produced; the
// listener must emit SERVFAIL.
var ErrServfail = errors.New("no reply available")

// TTLPolicy bounds the TTL chosen on cache insert.
type TTLPolicy struct {
	MinTTL        time.Duration
	MaxTTL        time.Duration
	NegativeTTL   time.Duration
	ServeStaleMax time.Duration
}

// RefreshGate decides, from an entry's current state, whether a background
// refresh should be enqueued on a fresh hit. It is supplied by the refresh
// scheduler so the resolver core stays ignorant of popularity thresholds.
type RefreshGate interface {
	ShouldRefresh(e *cache.Entry) bool
	Enqueue(key dnsutils.CacheKey) bool
}

// Resolver is the foreground query engine.
type Resolver struct {
	cache     *cache.Cache
	admission *admission.Controller
	transport upstream.Transport
	metrics   *metrics.Metrics
	ttl       TTLPolicy
	timeout   time.Duration
	refresh   RefreshGate

	sf singleflight.Group
}

func New(c *cache.Cache, a *admission.Controller, t upstream.Transport, m *metrics.Metrics, ttl TTLPolicy, upstreamTimeout time.Duration, refresh RefreshGate) *Resolver {
	return &Resolver{
		cache:     c,
		admission: a,
		transport: t,
		metrics:   m,
		ttl:       ttl,
		timeout:   upstreamTimeout,
		refresh:   refresh,
	}
}

// Handle runs the full foreground algorithm for one client query, given
// its wire bytes. It returns a wire-format reply, ErrMalformed (drop
// silently), or ErrServfail (the listener must synthesize SERVFAIL with
// the original query's id).
func (r *Resolver) Handle(ctx context.Context, wireQuery []byte) ([]byte, error) {
	m := pool.GetMsg()
	defer pool.ReleaseMsg(m)

	if err := m.Unpack(wireQuery); err != nil {
		r.metrics.DroppedMalformed.Inc()
		return nil, ErrMalformed
	}
	key, ok := dnsutils.GetCacheKey(m)
	if !ok {
		r.metrics.DroppedMalformed.Inc()
		return nil, ErrMalformed
	}

	if entry, status := r.cache.Get(key); status != cache.Miss {
		reply := patchReply(entry, m.Id)
		switch status {
		case cache.Fresh:
			if r.refresh != nil && r.refresh.ShouldRefresh(entry) {
				r.refresh.Enqueue(key)
			}
		case cache.Stale:
			r.metrics.SWRRefreshTriggered.Inc()
			if r.refresh != nil {
				r.refresh.Enqueue(key)
			}
		}
		return reply, nil
	}

	release, ok := r.admission.TryAcquire()
	if !ok {
		return nil, ErrServfail
	}
	entry, err := r.resolveAndCache(ctx, key, m)
	release()
	if err != nil {
		return r.lateStaleOrServfail(key, m.Id)
	}
	return patchReply(entry, m.Id), nil
}

// lateStaleOrServfail re-checks for a stale entry after an upstream
// failure, since one may have been populated concurrently by another
// resolution for the same key while this one was in flight.
func (r *Resolver) lateStaleOrServfail(key dnsutils.CacheKey, clientID uint16) ([]byte, error) {
	entry, status := r.cache.Get(key)
	if status == cache.Miss {
		return nil, ErrServfail
	}
	// Late-stale: the entry exists but Get already classified it as Fresh
	// or Stale and counted it accordingly; either way we have something to
	// serve instead of SERVFAIL.
	return patchReply(entry, clientID), nil
}

// resolveAndCache runs the single-flight-deduplicated upstream call for
// key and, on success, returns the cache.Entry it stored (for a truncated
// reply, an Entry that holds the reply but is not in the cache). It is also used
// directly by the refresh scheduler, which discards the returned entry and
// cares only about the error.
func (r *Resolver) resolveAndCache(ctx context.Context, key dnsutils.CacheKey, query *dns.Msg) (*cache.Entry, error) {
	sfKey := singleflightKey(key)

	wireQuery, buf, err := pool.PackBuffer(query)
	if err != nil {
		return nil, err
	}
	// Copy the wire query out of the pooled buffer, since buf is released
	// before sf.Do runs the closure.
	wireCopy := make([]byte, len(wireQuery))
	copy(wireCopy, wireQuery)
	buf.Release()

	leader := false
	v, err, shared := r.sf.Do(sfKey, func() (interface{}, error) {
		leader = true
		deadline := time.Now().Add(r.timeout)
		reply, err := r.transport.Resolve(ctx, wireCopy, deadline)
		if err != nil {
			return nil, err
		}
		rm := new(dns.Msg)
		if err := rm.Unpack(reply); err != nil {
			return nil, err
		}
		entry := r.store(key, rm)
		if entry == nil {
			if rm.Truncated {
				// A truncated reply is not cached but is still returned so
				// the client sees the TC bit. With no TTL offsets,
				// patchReply rewrites only its transaction id.
				return &cache.Entry{Key: key, Wire: reply}, nil
			}
			return nil, errors.New("upstream reply was not cacheable")
		}
		return entry, nil
	})
	// shared is also true for the caller that ran fn; only the callers
	// that joined its flight count as deduplicated.
	if shared && !leader {
		r.metrics.SingleflightDedup.Inc()
	}
	if err != nil {
		return nil, classifyErr(err, r.metrics)
	}
	return v.(*cache.Entry), nil
}

// singleflightKey encodes a CacheKey as a string key for singleflight.Group,
// which only accepts strings. The fields are separated by NUL bytes, which
// a presentation-format qname never contains, so distinct keys cannot
// collide.
func singleflightKey(key dnsutils.CacheKey) string {
	return key.Name + "\x00" + strconv.FormatUint(uint64(key.Qtype), 10) + "\x00" + strconv.FormatUint(uint64(key.Qclass), 10)
}

func classifyErr(err error, m *metrics.Metrics) error {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.UdpTimeout:
			m.UpstreamUDPTimeouts.Inc()
		case upstream.UdpError:
			m.UpstreamUDPErrors.Inc()
		case upstream.TcpTimeout:
			m.UpstreamTCPTimeouts.Inc()
		case upstream.TcpConnect:
			m.UpstreamTCPConnect.Inc()
		case upstream.TcpProtocol:
			m.UpstreamTCPProtocol.Inc()
		default:
			m.RelayErrors.WithLabelValues(string(uerr.Kind)).Inc()
		}
	}
	return err
}

// store inserts a successful upstream reply into the cache, choosing the
// TTL as the minimum RR TTL for a positive reply, or the SOA MINIMUM
// (clamped by negative_ttl) for a negative reply.
func (r *Resolver) store(key dnsutils.CacheKey, reply *dns.Msg) *cache.Entry {
	if reply.Truncated {
		return nil
	}

	negative := dnsutils.IsNegativeReply(reply)
	var ttl time.Duration
	if negative {
		ttl = r.ttl.NegativeTTL
		if soaMin, ok := dnsutils.GetNegativeTTL(reply); ok {
			candidate := time.Duration(soaMin) * time.Second
			if candidate < ttl {
				ttl = candidate
			}
		}
	} else {
		minTTL := dnsutils.GetMinimalTTL(reply)
		if minTTL == 0 {
			return nil
		}
		ttl = clamp(time.Duration(minTTL)*time.Second, r.ttl.MinTTL, r.ttl.MaxTTL)
	}
	if ttl <= 0 {
		return nil
	}

	wire, buf, err := pool.PackBuffer(reply)
	if err != nil {
		return nil
	}
	wireCopy := make([]byte, len(wire))
	copy(wireCopy, wire)
	buf.Release()

	offsets, _ := dnsutils.GetTTLOffsets(wireCopy)
	return r.cache.Put(key, wireCopy, offsets, negative, ttl, r.ttl.ServeStaleMax)
}

func clamp(v, min, max time.Duration) time.Duration {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// patchReply returns a fresh copy of entry's wire payload with the
// transaction id rewritten to clientID and every non-OPT TTL decremented
// by the entry's age (floored at 1 second).
func patchReply(e *cache.Entry, clientID uint16) []byte {
	out := make([]byte, len(e.Wire))
	copy(out, e.Wire)

	age := e.Age()
	delta := uint32(0)
	if age > 0 {
		delta = uint32(age / time.Second)
	}
	dnsutils.PatchTTLAndID(out, clientID, e.Offsets, delta)
	return out
}

// RefreshOne runs the resolver's single-flight+upstream path for key on
// behalf of the refresh scheduler, reusing exactly the same deduplication
// and cache-population logic as a foreground miss.
func (r *Resolver) RefreshOne(ctx context.Context, key dnsutils.CacheKey) error {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(key.Name), key.Qtype)
	q.Question[0].Qclass = key.Qclass
	q.RecursionDesired = true

	_, err := r.resolveAndCache(ctx, key, q)
	return err
}

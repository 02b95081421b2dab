package dnsutils

import (
	"strings"

	"github.com/miekg/dns"
)

// CacheKey is the canonical (qname, qtype, qclass) triple used to index the
// cache. Qname is lowercased and its trailing dot is normalized away before
// comparison, so "Example.COM." and "example.com" key the same entry.
type CacheKey struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// GetCacheKey derives a CacheKey from the first (and only supported)
// question of m. The caller must ensure m has exactly one question; ok is
// false for a message with zero questions.
func GetCacheKey(m *dns.Msg) (CacheKey, bool) {
	if len(m.Question) != 1 {
		return CacheKey{}, false
	}
	q := m.Question[0]
	return CacheKey{
		Name:   normalizeName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}, true
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	if len(name) > 1 && strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// GetNegativeTTL returns the RFC 2308 negative TTL for a NXDOMAIN/NODATA
// reply: the MINIMUM field of the SOA record in the authority section, or
// zero if no SOA is present.
func GetNegativeTTL(m *dns.Msg) (uint32, bool) {
	for _, rr := range m.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}

// IsNegativeReply reports whether m's rcode makes it a candidate for
// negative caching (NXDOMAIN or NOERROR-with-no-answers, i.e. NODATA).
func IsNegativeReply(m *dns.Msg) bool {
	if m.Rcode == dns.RcodeNameError {
		return true
	}
	return m.Rcode == dns.RcodeSuccess && len(m.Answer) == 0
}

package dnsutils

import (
	"github.com/miekg/dns"
)

// GetMinimalTTL returns the smallest TTL across the answer and authority
// sections, skipping OPT records. The additional section is excluded: glue
// and OPT records there don't bound how long the answer itself stays valid.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// Package warmup loads a startup warmup file and submits its entries to
// the refresh scheduler's queue. Grounded on
// original_source/refresh_warmup.py's line parser (qname normalization,
// IANA qtype mnemonic lookup, invalid-line counting), extended with
// golang.org/x/net/idna normalization for non-ASCII qnames.
package warmup

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
)

// Enqueuer is the subset of refresh.Scheduler warmup needs.
type Enqueuer interface {
	Enqueue(key dnsutils.CacheKey) bool
}

// Load reads warmup entries from r, normalizes each qname (including
// Unicode ones via IDNA), and submits up to limit of them to enq. It
// returns how many entries enq accepted and how many lines were invalid.
func Load(r io.Reader, limit int, enq Enqueuer, m *metrics.Metrics) (loaded int, invalid int) {
	items, invalidLines := parse(r)
	m.WarmupInvalidLines.Add(float64(invalidLines))

	n := len(items)
	if limit > 0 && n > limit {
		n = limit
	} else if limit <= 0 {
		n = 0
	}

	for _, key := range items[:n] {
		if enq.Enqueue(key) {
			loaded++
		}
	}
	m.WarmupLoaded.Add(float64(loaded))
	return loaded, invalidLines
}

func parse(r io.Reader) (items []dnsutils.CacheKey, invalid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			invalid++
			continue
		}

		qname, ok := normalizeQname(fields[0])
		if !ok {
			invalid++
			continue
		}
		qtype, ok := parseQtype(fields[1])
		if !ok {
			invalid++
			continue
		}
		items = append(items, dnsutils.CacheKey{Name: qname, Qtype: qtype, Qclass: dns.ClassINET})
	}
	return items, invalid
}

func normalizeQname(raw string) (string, bool) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))
	if name == "" {
		return "", false
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", false
	}
	return ascii, true
}

func parseQtype(token string) (uint16, bool) {
	if n, err := strconv.Atoi(token); err == nil {
		if name, ok := dns.TypeToString[uint16(n)]; ok && name != "" {
			return uint16(n), true
		}
		return 0, false
	}
	qtype, ok := dns.StringToType[strings.ToUpper(token)]
	return qtype, ok
}

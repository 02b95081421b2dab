// Package metrics registers every counter and gauge the resolver core,
// transports, cache, and schedulers expose. The HTTP endpoint that mounts
// them is an external collaborator; this package only owns instrumentation
// and a private prometheus.Registry callers can hand to that endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every instrument named in the resolver's counter list.
// All counters are monotonically increasing; CacheEntries is the sole
// gauge.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHitFresh    prometheus.Counter
	CacheHitStale    prometheus.Counter
	CacheHitNegative prometheus.Counter
	CacheEvictions   prometheus.Counter
	CacheClears      prometheus.Counter
	CacheEntries     prometheus.Gauge

	SingleflightDedup prometheus.Counter

	DroppedMaxInflight prometheus.Counter
	DroppedMalformed   prometheus.Counter
	DroppedOversize    prometheus.Counter
	DroppedPolicy      prometheus.Counter

	UpstreamUDPTimeouts prometheus.Counter
	UpstreamUDPErrors   prometheus.Counter
	UpstreamTCPTimeouts prometheus.Counter
	UpstreamTCPConnect  prometheus.Counter
	UpstreamTCPProtocol prometheus.Counter
	UpstreamTCPReuses   prometheus.Counter

	RelayErrors *prometheus.CounterVec

	SWRRefreshTriggered prometheus.Counter
	RefreshSuccess      prometheus.Counter
	RefreshFail         prometheus.Counter
	RefreshSkipped      prometheus.Counter
	RefreshDropped      *prometheus.CounterVec

	WarmupInvalidLines prometheus.Counter
	WarmupLoaded       prometheus.Counter
}

const namespace = "resilientdns"

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New builds a fresh Metrics bundle registered against its own
// prometheus.Registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		CacheHitFresh:    counter("cache_hit_fresh_total", "Queries answered from a fresh cache entry."),
		CacheHitStale:    counter("cache_hit_stale_total", "Queries answered from a stale cache entry (SWR or late-stale)."),
		CacheHitNegative: counter("negative_cache_hit_total", "Queries answered from a negatively cached entry."),
		CacheEvictions:   counter("evictions_total", "Cache entries evicted, expired-first then LRU."),
		CacheClears:      counter("cache_clears_total", "Times the cache was fully cleared."),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of entries held by the cache.",
		}),

		SingleflightDedup: counter("singleflight_dedup_total", "Concurrent callers that joined an in-flight resolution instead of issuing a new upstream call."),

		DroppedMaxInflight: counter("dropped_max_inflight_total", "Queries dropped because the admission semaphore was saturated."),
		DroppedMalformed:   counter("dropped_malformed_total", "Queries dropped for failing to parse as DNS."),
		DroppedOversize:    counter("dropped_oversize_total", "Queries or frames dropped for exceeding a size limit."),
		DroppedPolicy:      counter("dropped_policy_total", "Queries dropped by policy."),

		UpstreamUDPTimeouts: counter("upstream_udp_timeouts_total", "UDP upstream calls that exceeded their deadline."),
		UpstreamUDPErrors:   counter("upstream_udp_errors_total", "UDP upstream calls that failed with an I/O error."),
		UpstreamTCPTimeouts: counter("upstream_tcp_timeouts_total", "TCP upstream calls that exceeded their deadline."),
		UpstreamTCPConnect:  counter("upstream_tcp_connect_errors_total", "TCP upstream connection attempts that failed."),
		UpstreamTCPProtocol: counter("upstream_tcp_protocol_errors_total", "TCP upstream replies that failed RFC 7766 framing."),
		UpstreamTCPReuses:   counter("upstream_tcp_reuses_total", "TCP upstream calls served by a pooled connection."),

		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay upstream errors by kind.",
		}, []string{"kind"}),

		SWRRefreshTriggered: counter("swr_refresh_triggered_total", "Background refreshes triggered by a stale-while-revalidate hit."),
		RefreshSuccess:      counter("refresh_success_total", "Background refresh attempts that succeeded."),
		RefreshFail:         counter("refresh_fail_total", "Background refresh attempts that failed."),
		RefreshSkipped:      counter("refresh_skipped_total", "Eligible entries skipped before a refresh attempt was made."),
		RefreshDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_dropped_total",
			Help:      "Refresh jobs dropped before being queued, by reason.",
		}, []string{"reason"}),

		WarmupInvalidLines: counter("warmup_invalid_lines_total", "Warmup file lines that failed to parse."),
		WarmupLoaded:       counter("warmup_loaded_total", "Warmup entries successfully submitted to the refresh queue."),
	}

	m.Registry.MustRegister(
		m.CacheHitFresh, m.CacheHitStale, m.CacheHitNegative, m.CacheEvictions, m.CacheClears, m.CacheEntries,
		m.SingleflightDedup,
		m.DroppedMaxInflight, m.DroppedMalformed, m.DroppedOversize, m.DroppedPolicy,
		m.UpstreamUDPTimeouts, m.UpstreamUDPErrors, m.UpstreamTCPTimeouts, m.UpstreamTCPConnect, m.UpstreamTCPProtocol, m.UpstreamTCPReuses,
		m.RelayErrors,
		m.SWRRefreshTriggered, m.RefreshSuccess, m.RefreshFail, m.RefreshSkipped, m.RefreshDropped,
		m.WarmupInvalidLines, m.WarmupLoaded,
	)
	return m
}

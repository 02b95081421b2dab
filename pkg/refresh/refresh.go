// Package refresh implements the background refresh scheduler: a ticker
// scans the cache for soon-to-expire popular entries, a bounded queue
// deduplicates pending work, and a fixed worker pool drains it through the
// resolver's single-flight+upstream path. Grounded on
// original_source/dns/handler.py's _refresh_scan_tick/_refresh_worker state
// machine (Queued -> InFlight -> Success|Fail, Dropped pre-queue).
package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/resilientdns/resilientdns/pkg/cache"
	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
)

// Runner executes a single background refresh for key, reusing the
// resolver's single-flight-deduplicated upstream path.
type Runner interface {
	RefreshOne(ctx context.Context, key dnsutils.CacheKey) error
}

// Config holds every refresh_* knob from the resolver's configuration.
type Config struct {
	Enabled bool

	TickInterval time.Duration
	BatchSize    int

	Ahead               time.Duration
	PopularityThreshold uint32
	PopularityDecay     time.Duration

	QueueMax    int
	Concurrency int

	WarmupLimit int
}

type jobState int

const (
	stateQueued jobState = iota
	stateInFlight
)

// Scheduler owns the refresh queue, its dedup set, and the worker pool
// that drains it. It implements resolver.RefreshGate.
type Scheduler struct {
	cache   *cache.Cache
	runner  Runner
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue chan dnsutils.CacheKey

	mu     sync.Mutex
	dedup  map[dnsutils.CacheKey]jobState

	stopTick chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler. It does not start the ticker or workers; call
// Start for that.
func New(c *cache.Cache, runner Runner, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cache:    c,
		runner:   runner,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		queue:    make(chan dnsutils.CacheKey, cfg.QueueMax),
		dedup:    make(map[dnsutils.CacheKey]jobState),
		stopTick: make(chan struct{}),
	}
}

// Start launches the worker pool and, if enabled, the periodic scan
// ticker. ctx bounds every individual refresh attempt's upstream deadline,
// not the scheduler's own lifetime — use Stop for that.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	if s.cfg.Enabled && s.cfg.TickInterval > 0 {
		s.wg.Add(1)
		go s.scanLoop()
	}
}

// Stop halts the scan ticker and waits for in-flight workers to drain the
// queue's remaining buffered jobs before returning. Workers exit once the
// queue is closed.
func (s *Scheduler) Stop() {
	close(s.stopTick)
	close(s.queue)
	s.wg.Wait()
}

func (s *Scheduler) scanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			s.scanTick()
		}
	}
}

// scanTick selects up to BatchSize eligible entries, in the cache's
// stable scan order, and enqueues them.
func (s *Scheduler) scanTick() {
	enqueued := 0
	s.cache.Scan(func(e *cache.Entry) {
		if enqueued >= s.cfg.BatchSize {
			return
		}
		if !s.eligible(e) {
			return
		}
		if s.Enqueue(e.Key) {
			enqueued++
		}
	})
}

// eligible gates background refresh: remaining_ttl in (0, ahead],
// hits >= threshold, and (no decay configured or last hit within decay).
func (s *Scheduler) eligible(e *cache.Entry) bool {
	remaining := e.RemainingTTL()
	if remaining <= 0 || remaining > s.cfg.Ahead {
		return false
	}
	if e.Hits() < s.cfg.PopularityThreshold {
		return false
	}
	if s.cfg.PopularityDecay > 0 && time.Since(e.LastHit()) > s.cfg.PopularityDecay {
		return false
	}
	return true
}

// ShouldRefresh implements resolver.RefreshGate for the foreground
// fresh-hit path: the same eligibility predicate as the periodic scan.
func (s *Scheduler) ShouldRefresh(e *cache.Entry) bool {
	return s.cfg.Enabled && s.eligible(e)
}

// Enqueue attempts a non-blocking, deduplicated push of key onto the
// refresh queue. It returns false (and counts a Dropped outcome) if key is
// already Queued/InFlight or the queue is full.
func (s *Scheduler) Enqueue(key dnsutils.CacheKey) bool {
	s.mu.Lock()
	if _, exists := s.dedup[key]; exists {
		s.mu.Unlock()
		s.metrics.RefreshDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	s.dedup[key] = stateQueued
	s.mu.Unlock()

	select {
	case s.queue <- key:
		return true
	default:
		s.mu.Lock()
		delete(s.dedup, key)
		s.mu.Unlock()
		s.metrics.RefreshDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for key := range s.queue {
		s.runJob(ctx, key)
	}
}

func (s *Scheduler) runJob(ctx context.Context, key dnsutils.CacheKey) {
	s.mu.Lock()
	s.dedup[key] = stateInFlight
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.dedup, key)
		s.mu.Unlock()
	}()

	if !s.cfg.Enabled {
		s.metrics.RefreshSkipped.Inc()
		return
	}

	if err := s.runner.RefreshOne(ctx, key); err != nil {
		s.metrics.RefreshFail.Inc()
		s.logger.Debug("refresh failed", zap.String("qname", key.Name), zap.Error(err))
		return
	}
	s.metrics.RefreshSuccess.Inc()
}

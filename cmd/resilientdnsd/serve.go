package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	exthttp "gitlab.com/go-extension/http"

	"github.com/resilientdns/resilientdns/config"
	"github.com/resilientdns/resilientdns/mlog"
	"github.com/resilientdns/resilientdns/pkg/admission"
	"github.com/resilientdns/resilientdns/pkg/cache"
	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/metrics"
	"github.com/resilientdns/resilientdns/pkg/refresh"
	"github.com/resilientdns/resilientdns/pkg/resolver"
	"github.com/resilientdns/resilientdns/pkg/safe_close"
	"github.com/resilientdns/resilientdns/pkg/server"
	"github.com/resilientdns/resilientdns/pkg/upstream"
	"github.com/resilientdns/resilientdns/pkg/upstream/relay"
	tcpupstream "github.com/resilientdns/resilientdns/pkg/upstream/tcp"
	udpupstream "github.com/resilientdns/resilientdns/pkg/upstream/udp"
	"github.com/resilientdns/resilientdns/pkg/warmup"
)

// daemon holds every long-lived component RunDaemon wires together,
// scoped to one resolver instance instead of a plugin graph.
type daemon struct {
	logger *zap.Logger

	cache     *cache.Cache
	metrics   *metrics.Metrics
	refresher *refresh.Scheduler
	transport upstream.Transport

	srv *server.Server
	sc  *safe_close.SafeClose
}

// RunDaemon loads configFile, brings up every component, and blocks until
// a shutdown signal arrives or a fatal error is reported through sc.
func RunDaemon(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := mlog.New(mlog.LogConfig{Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(cfg)
}

func newDaemon(cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	m := metrics.New()
	c := cache.New(cfg.CacheMaxEntries, m)

	transport, err := buildTransport(cfg, m)
	if err != nil {
		return nil, err
	}

	return &daemon{
		logger:    logger,
		cache:     c,
		metrics:   m,
		transport: transport,
		sc:        safe_close.NewSafeClose(),
	}, nil
}

// buildTransport constructs the one upstream.Transport selected by
// cfg.UpstreamTransport. Exactly one transport backs a daemon; there is no
// automatic fallback between them.
func buildTransport(cfg *config.Config, m *metrics.Metrics) (upstream.Transport, error) {
	switch cfg.UpstreamTransport {
	case "udp":
		dial := func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "udp", net.JoinHostPort(cfg.UpstreamHost, itoa(cfg.UpstreamPort)))
		}
		return udpupstream.NewPool(dial, cfg.UDPMaxWorkers)
	case "tcp":
		dial := func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.UpstreamHost, itoa(cfg.UpstreamPort)))
		}
		t := tcpupstream.New(dial, cfg.TCPPoolIdleTimeout, cfg.TCPMaxResponseSize)
		t.SetReuseHook(func() { m.UpstreamTCPReuses.Inc() })
		return t, nil
	case "relay":
		u := relay.New(relay.Options{
			BaseURL:             cfg.RelayBaseURL,
			Version:             cfg.RelayAPIVersion,
			AuthToken:           cfg.RelayAuthToken,
			MaxItems:            cfg.RelayMaxItems,
			MaxRequestBytes:     cfg.RelayMaxRequestBytes,
			PerItemMaxWireBytes: cfg.RelayPerItemMaxWireBytes,
			MaxResponseBytes:    cfg.RelayMaxResponseBytes,
		}, &exthttp.Transport{})

		if relay.CheckMode(cfg.RelayStartupCheck) != relay.CheckOff {
			result, err := u.CheckStartup(context.Background(), time.Now().Add(cfg.UpstreamTimeout))
			if err != nil || len(result.Mismatches) > 0 {
				if relay.CheckMode(cfg.RelayStartupCheck) == relay.CheckRequire {
					return nil, fmt.Errorf("relay startup check failed: err=%v mismatches=%v", err, mismatchesOf(result))
				}
				mlog.L().Warn("relay startup check failed, continuing", zap.Error(err), zap.Strings("mismatches", mismatchesOf(result)))
			}
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unknown upstream_transport %q", cfg.UpstreamTransport)
	}
}

func mismatchesOf(r *relay.CheckResult) []string {
	if r == nil {
		return nil
	}
	return r.Mismatches
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func (d *daemon) run(cfg *config.Config) error {
	admissionCtrl := admission.New(cfg.MaxInflight, d.metrics)

	ttlPolicy := resolver.TTLPolicy{
		MinTTL:        cfg.MinTTL,
		MaxTTL:        cfg.MaxTTL,
		NegativeTTL:   cfg.NegativeTTL,
		ServeStaleMax: cfg.ServeStaleMax,
	}

	// The resolver needs a RefreshGate before construction, and the
	// refresh scheduler needs the resolver (as a Runner) before it can be
	// built. refreshProxy breaks the cycle: it forwards to whichever
	// scheduler is installed once both sides exist.
	proxy := &refreshProxy{}
	res := resolver.New(d.cache, admissionCtrl, d.transport, d.metrics, ttlPolicy, cfg.UpstreamTimeout, proxy)

	if cfg.RefreshEnabled {
		d.refresher = refresh.New(d.cache, res, refresh.Config{
			Enabled:             cfg.RefreshEnabled,
			TickInterval:        cfg.RefreshTickInterval,
			BatchSize:           cfg.RefreshBatchSize,
			Ahead:               cfg.RefreshAhead,
			PopularityThreshold: cfg.RefreshPopularityThreshold,
			PopularityDecay:     cfg.RefreshPopularityDecay,
			QueueMax:            cfg.RefreshQueueMax,
			Concurrency:         cfg.RefreshConcurrency,
			WarmupLimit:         cfg.RefreshWarmupLimit,
		}, d.metrics, d.logger)
		proxy.set(d.refresher)
		d.refresher.Start(context.Background())

		if cfg.RefreshWarmupFile != "" {
			if err := d.loadWarmup(cfg); err != nil {
				d.logger.Warn("warmup load failed", zap.Error(err))
			}
		}
	}

	d.srv = server.NewServer(server.ServerOpts{
		Logger:        d.logger,
		DNSHandler:    res,
		ProxyProtocol: cfg.ListenProxyProtocol,
	})

	addr := net.JoinHostPort(cfg.ListenHost, itoa(cfg.ListenPort))
	if err := d.startListeners(addr); err != nil {
		return err
	}

	if cfg.MetricsPort != 0 {
		d.startMetricsServer(net.JoinHostPort(cfg.MetricsHost, itoa(cfg.MetricsPort)))
	}

	d.attachSignalHandler()

	<-d.sc.ReceiveCloseSignal()
	d.sc.Done()
	d.sc.CloseWait()

	if d.refresher != nil {
		d.refresher.Stop()
	}
	_ = d.transport.Close()
	return d.sc.Err()
}

func (d *daemon) loadWarmup(cfg *config.Config) error {
	f, err := os.Open(cfg.RefreshWarmupFile)
	if err != nil {
		return err
	}
	defer f.Close()
	loaded, invalid := warmup.Load(f, cfg.RefreshWarmupLimit, d.refresher, d.metrics)
	d.logger.Info("warmup file loaded", zap.Int("loaded", loaded), zap.Int("invalid", invalid))
	return nil
}

func (d *daemon) startListeners(addr string) error {
	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen udp %s: %w", addr, err)
	}
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen tcp %s: %w", addr, err)
	}

	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errCh := make(chan error, 1)
		go func() { errCh <- d.srv.ServeUDP(udpConn) }()
		select {
		case err := <-errCh:
			if err != nil && !d.srv.Closed() {
				d.sc.SendCloseSignal(err)
			}
		case <-closeSignal:
			_ = udpConn.Close()
		}
	})
	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errCh := make(chan error, 1)
		go func() { errCh <- d.srv.ServeTCP(tcpListener) }()
		select {
		case err := <-errCh:
			if err != nil && !d.srv.Closed() {
				d.sc.SendCloseSignal(err)
			}
		case <-closeSignal:
			_ = tcpListener.Close()
		}
	})
	return nil
}

func (d *daemon) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	reg := d.metrics.Registry
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errCh := make(chan error, 1)
		go func() {
			d.logger.Info("starting metrics http server", zap.String("addr", addr))
			errCh <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				d.sc.SendCloseSignal(err)
			}
		case <-closeSignal:
			_ = httpServer.Close()
		}
	})
}

// attachSignalHandler wires SIGINT/SIGTERM to a graceful shutdown and
// SIGHUP to an external cache-clear trigger, the way portmaster-core's
// main_linux.go distinguishes a reload signal from a shutdown signal.
func (d *daemon) attachSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					d.cache.Clear()
					d.logger.Info("cache cleared on SIGHUP")
					continue
				}
				d.logger.Info("shutting down", zap.String("signal", sig.String()))
				d.sc.SendCloseSignal(nil)
				return
			case <-closeSignal:
				return
			}
		}
	})
}

// refreshProxy lets the resolver be constructed before its refresh
// scheduler exists, since the scheduler's constructor needs the resolver
// as its Runner. Before set is called it behaves as if refresh were
// disabled.
type refreshProxy struct {
	gate resolver.RefreshGate
}

func (p *refreshProxy) set(g resolver.RefreshGate) { p.gate = g }

func (p *refreshProxy) ShouldRefresh(e *cache.Entry) bool {
	if p.gate == nil {
		return false
	}
	return p.gate.ShouldRefresh(e)
}

func (p *refreshProxy) Enqueue(key dnsutils.CacheKey) bool {
	if p.gate == nil {
		return false
	}
	return p.gate.Enqueue(key)
}

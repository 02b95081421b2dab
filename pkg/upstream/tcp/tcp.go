// Package tcp implements the TCP upstream transport: RFC 7766
// length-prefixed framing over a pool of one-shot connections (no
// pipelining — each pooled connection carries at most one in-flight
// request at a time), following pkg/pool's sync.Pool conventions and
// pkg/server/tcp.go's framing helpers.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/upstream"
)

const maxFrameLen = 65535

// pooledConn is a TCP connection parked between one-shot requests, tagged
// with the time it was returned so the idle evictor can find it.
type pooledConn struct {
	conn    net.Conn
	idleAt  time.Time
}

// Upstream dials and frames queries against a single (host, port),
// maintaining a free-list of idle connections.
type Upstream struct {
	dialFunc        func(ctx context.Context) (net.Conn, error)
	idleTimeout     time.Duration
	maxResponseSize int
	onReuse         func()

	mu   sync.Mutex
	free []*pooledConn

	closed    bool
	stopEvict chan struct{}
}

// New creates a TCP upstream. idleTimeout bounds how long a pooled
// connection may sit unused before the evictor closes it; maxResponseSize
// bounds the RFC 7766 frame accepted from upstream.
func New(dialFunc func(ctx context.Context) (net.Conn, error), idleTimeout time.Duration, maxResponseSize int) *Upstream {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if maxResponseSize <= 0 || maxResponseSize > maxFrameLen {
		maxResponseSize = maxFrameLen
	}
	u := &Upstream{
		dialFunc:        dialFunc,
		idleTimeout:     idleTimeout,
		maxResponseSize: maxResponseSize,
		onReuse:         func() {},
		stopEvict:       make(chan struct{}),
	}
	go u.evictIdle()
	return u
}

// SetReuseHook installs a callback invoked every time Resolve serves a
// query from a pooled connection instead of dialing a fresh one.
func (u *Upstream) SetReuseHook(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	u.onReuse = fn
}

func (u *Upstream) evictIdle() {
	ticker := time.NewTicker(u.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopEvict:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-u.idleTimeout)
			u.mu.Lock()
			kept := u.free[:0]
			for _, pc := range u.free {
				if pc.idleAt.Before(cutoff) {
					_ = pc.conn.Close()
				} else {
					kept = append(kept, pc)
				}
			}
			u.free = kept
			u.mu.Unlock()
		}
	}
}

func (u *Upstream) takeConn(ctx context.Context, deadline time.Time) (net.Conn, bool, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, false, errors.New("tcp upstream closed")
	}
	if n := len(u.free); n > 0 {
		pc := u.free[n-1]
		u.free = u.free[:n-1]
		u.mu.Unlock()
		return pc.conn, true, nil
	}
	u.mu.Unlock()

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := u.dialFunc(dialCtx)
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func (u *Upstream) putConn(conn net.Conn) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = conn.Close()
		return
	}
	u.free = append(u.free, &pooledConn{conn: conn, idleAt: time.Now()})
	u.mu.Unlock()
}

// Resolve implements upstream.Transport.
func (u *Upstream) Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error) {
	if len(wireQuery) > maxFrameLen {
		return nil, &upstream.Error{Kind: upstream.TcpProtocol, Err: errors.New("query exceeds tcp frame limit")}
	}

	conn, reused, err := u.takeConn(ctx, deadline)
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.TcpConnect, Err: err}
	}

	reply, err := u.exchange(conn, wireQuery, deadline)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if reused {
		u.onReuse()
	}
	u.putConn(conn)
	return reply, nil
}

// exchange writes wireQuery and reads back one reply, both framed per
// RFC 7766, reusing the same dnsutils helpers pkg/server/tcp.go uses on
// the listener side of the identical wire format.
func (u *Upstream) exchange(conn net.Conn, wireQuery []byte, deadline time.Time) ([]byte, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &upstream.Error{Kind: upstream.TcpConnect, Err: err}
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := dnsutils.WriteRawMsgToTCP(conn, wireQuery); err != nil {
		return nil, classifyIOErr(err)
	}

	_, raw, err := dnsutils.ReadMsgFromTCP(conn)
	if err != nil {
		if errors.Is(err, dnsutils.ErrInvalidDNSMsg) {
			return nil, &upstream.Error{Kind: upstream.TcpProtocol, Err: err}
		}
		if raw == nil {
			return nil, classifyIOErr(err)
		}
		// Read succeeded but the reply didn't unpack; still a malformed
		// reply rather than a transport-level failure.
		return nil, &upstream.Error{Kind: upstream.TcpProtocol, Err: err}
	}
	if len(raw) > u.maxResponseSize {
		return nil, &upstream.Error{Kind: upstream.TcpProtocol, Err: fmt.Errorf("reply frame exceeds max_response_bytes")}
	}
	return raw, nil
}

func classifyIOErr(err error) error {
	if e, ok := err.(interface{ Timeout() bool }); ok && e.Timeout() {
		return &upstream.Error{Kind: upstream.TcpTimeout, Err: err}
	}
	return &upstream.Error{Kind: upstream.TcpProtocol, Err: err}
}

func (u *Upstream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	free := u.free
	u.free = nil
	u.mu.Unlock()

	close(u.stopEvict)
	for _, pc := range free {
		_ = pc.conn.Close()
	}
	return nil
}

var _ upstream.Transport = (*Upstream)(nil)

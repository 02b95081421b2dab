// Package udp implements the UDP upstream transport: one datagram out, one
// datagram in, matched by DNS transaction ID. No truncation fallback to
// TCP is attempted — the TC bit passes straight through to the client, as
// required by the no-automatic-fallback contract.
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resilientdns/resilientdns/pkg/pool"
	"github.com/resilientdns/resilientdns/pkg/upstream"
)

const (
	defaultBufSize = 4096
	pendingTTL     = 10 * time.Second
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, defaultBufSize)
	},
}

type pendingEntry struct {
	ch       chan []byte
	deadline time.Time
}

// Upstream is one multiplexed UDP connection to a single (host, port).
// Queries share the connection; a reader goroutine demultiplexes replies by
// DNS transaction ID so callers never need one socket per query.
type Upstream struct {
	dialFunc func(ctx context.Context) (net.Conn, error)

	mu         sync.Mutex
	conn       net.Conn
	readerOn   bool
	connecting int32
	connDone   chan struct{}

	pendingMu sync.Mutex
	pending   map[uint16]*pendingEntry
	wakeup    chan struct{}

	writeMu sync.Mutex
	rr      uint32
	closed  int32
}

func NewUpstream(dialFunc func(ctx context.Context) (net.Conn, error)) (*Upstream, error) {
	if dialFunc == nil {
		return nil, errors.New("dialFunc required")
	}
	u := &Upstream{
		dialFunc: dialFunc,
		pending:  make(map[uint16]*pendingEntry),
		wakeup:   make(chan struct{}, 1),
	}
	go u.pendingJanitor()
	return u, nil
}

func (u *Upstream) Close() error {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return nil
	}

	u.mu.Lock()
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
		u.readerOn = false
	}
	u.mu.Unlock()

	select {
	case u.wakeup <- struct{}{}:
	default:
	}

	u.pendingMu.Lock()
	pending := u.pending
	u.pending = make(map[uint16]*pendingEntry)
	u.pendingMu.Unlock()

	for _, entry := range pending {
		select {
		case entry.ch <- nil:
		default:
		}
	}
	return nil
}

func (u *Upstream) ensureConn(ctx context.Context) error {
	for {
		u.mu.Lock()
		if atomic.LoadInt32(&u.closed) == 1 {
			u.mu.Unlock()
			return errors.New("udp upstream closed")
		}
		if u.conn != nil && u.readerOn {
			u.mu.Unlock()
			return nil
		}
		if atomic.CompareAndSwapInt32(&u.connecting, 0, 1) {
			u.connDone = make(chan struct{})
			done := u.connDone
			u.mu.Unlock()

			defer func() {
				u.mu.Lock()
				atomic.StoreInt32(&u.connecting, 0)
				select {
				case <-done:
				default:
					close(done)
				}
				u.mu.Unlock()
			}()

			conn, dialErr := u.dialFunc(ctx)
			if dialErr != nil {
				return dialErr
			}

			u.mu.Lock()
			if atomic.LoadInt32(&u.closed) == 1 {
				_ = conn.Close()
				u.mu.Unlock()
				return errors.New("udp upstream closed")
			}
			u.conn = conn
			u.readerOn = true
			u.mu.Unlock()

			go u.reader(conn)
			return nil
		}
		done := u.connDone
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

func (u *Upstream) reader(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			u.handleConnClosed(conn)
		}
	}()

	b := bufPool.Get().([]byte)
	defer bufPool.Put(b)

	for {
		if atomic.LoadInt32(&u.closed) == 1 {
			return
		}
		n, err := conn.Read(b)
		if err != nil {
			u.handleConnClosed(conn)
			return
		}
		if n >= 2 {
			id := binary.BigEndian.Uint16(b[:2])
			raw := make([]byte, n)
			copy(raw, b[:n])
			u.removePendingAndNotify(id, raw)
		}
	}
}

func (u *Upstream) handleConnClosed(conn net.Conn) {
	u.mu.Lock()
	if u.conn == conn {
		_ = u.conn.Close()
		u.conn = nil
		u.readerOn = false
	}
	u.mu.Unlock()

	u.pendingMu.Lock()
	pending := u.pending
	u.pending = make(map[uint16]*pendingEntry)
	u.pendingMu.Unlock()

	for _, entry := range pending {
		select {
		case entry.ch <- nil:
		default:
		}
	}

	select {
	case u.wakeup <- struct{}{}:
	default:
	}
}

func (u *Upstream) removePendingAndNotify(id uint16, data []byte) {
	u.pendingMu.Lock()
	entry, ok := u.pending[id]
	if !ok {
		u.pendingMu.Unlock()
		return
	}
	delete(u.pending, id)
	u.pendingMu.Unlock()

	select {
	case entry.ch <- data:
	default:
	}
}

func (u *Upstream) claimID() (uint16, chan []byte, error) {
	for i := 0; i < 65536; i++ {
		id := uint16(atomic.AddUint32(&u.rr, 1) & 0xffff)
		u.pendingMu.Lock()
		if _, exists := u.pending[id]; !exists {
			ch := make(chan []byte, 1)
			u.pending[id] = &pendingEntry{ch: ch, deadline: time.Now().Add(pendingTTL)}
			select {
			case u.wakeup <- struct{}{}:
			default:
			}
			u.pendingMu.Unlock()
			return id, ch, nil
		}
		u.pendingMu.Unlock()
	}
	return 0, nil, errors.New("no free dns id available")
}

func (u *Upstream) unclaimID(id uint16) {
	u.removePendingAndNotify(id, nil)
	select {
	case u.wakeup <- struct{}{}:
	default:
	}
}

// Resolve implements upstream.Transport.
func (u *Upstream) Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error) {
	if atomic.LoadInt32(&u.closed) == 1 {
		return nil, &upstream.Error{Kind: upstream.UdpError, Err: errors.New("udp upstream closed")}
	}
	if len(wireQuery) < 12 {
		return nil, &upstream.Error{Kind: upstream.UdpError, Err: errors.New("query too short")}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	origID := binary.BigEndian.Uint16(wireQuery[:2])

	if err := u.ensureConn(ctx); err != nil {
		return nil, classifyDial(ctx, err)
	}

	id, respCh, err := u.claimID()
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.UdpError, Err: err}
	}
	defer u.unclaimID(id)

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil, &upstream.Error{Kind: upstream.UdpError, Err: errors.New("udp connection closed")}
	}

	query := make([]byte, len(wireQuery))
	copy(query, wireQuery)
	binary.BigEndian.PutUint16(query[:2], id)

	u.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	_, werr := conn.Write(query)
	_ = conn.SetWriteDeadline(time.Time{})
	u.writeMu.Unlock()

	if werr != nil {
		u.mu.Lock()
		if u.conn != nil {
			_ = u.conn.Close()
			u.conn = nil
			u.readerOn = false
		}
		u.mu.Unlock()
		return nil, &upstream.Error{Kind: upstream.UdpError, Err: werr}
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, &upstream.Error{Kind: upstream.UdpError, Err: errors.New("connection closed before reply")}
		}
		binary.BigEndian.PutUint16(resp[0:2], origID)
		return resp, nil
	case <-ctx.Done():
		return nil, &upstream.Error{Kind: upstream.UdpTimeout, Err: ctx.Err()}
	}
}

func classifyDial(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &upstream.Error{Kind: upstream.UdpTimeout, Err: err}
	}
	return &upstream.Error{Kind: upstream.UdpError, Err: err}
}

func (u *Upstream) pendingJanitor() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			pool.ReleaseTimer(timer)
		}
	}()

	for {
		if atomic.LoadInt32(&u.closed) == 1 {
			return
		}

		var nextDeadline time.Time
		u.pendingMu.Lock()
		now := time.Now()
		for id, entry := range u.pending {
			if now.After(entry.deadline) {
				delete(u.pending, id)
				select {
				case entry.ch <- nil:
				default:
				}
			} else if nextDeadline.IsZero() || entry.deadline.Before(nextDeadline) {
				nextDeadline = entry.deadline
			}
		}
		u.pendingMu.Unlock()

		var ch <-chan time.Time
		if !nextDeadline.IsZero() {
			wait := time.Until(nextDeadline)
			if wait < 0 {
				wait = 0
			}
			if timer == nil {
				timer = pool.GetTimer(wait)
			} else {
				pool.ResetAndDrainTimer(timer, wait)
			}
			ch = timer.C
		}

		select {
		case <-u.wakeup:
		case <-ch:
		}
	}
}

// Pool round-robins queries across a fixed number of multiplexed UDP
// connections so one slow reply can't head-of-line block unrelated queries
// sharing a single socket.
type Pool struct {
	upstreams []*Upstream
	next      uint32
}

// NewPool creates a Pool of workers multiplexed UDP connections, sized by
// the caller's udp_max_workers configuration. workers <= 0 falls back to
// twice the number of CPUs.
func NewPool(dialFunc func(ctx context.Context) (net.Conn, error), workers int) (*Pool, error) {
	num := workers
	if num <= 0 {
		num = runtime.NumCPU() * 2
	}
	if num < 1 {
		num = 1
	}
	p := &Pool{upstreams: make([]*Upstream, num)}
	for i := 0; i < num; i++ {
		u, err := NewUpstream(dialFunc)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = p.upstreams[j].Close()
			}
			return nil, err
		}
		p.upstreams[i] = u
	}
	return p, nil
}

func (p *Pool) Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error) {
	i := atomic.AddUint32(&p.next, 1)
	u := p.upstreams[i%uint32(len(p.upstreams))]
	return u.Resolve(ctx, wireQuery, deadline)
}

func (p *Pool) Close() error {
	var firstErr error
	for _, u := range p.upstreams {
		if err := u.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ upstream.Transport = (*Pool)(nil)

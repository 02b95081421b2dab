package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/resilientdns/resilientdns/pkg/dnsutils"
	"github.com/resilientdns/resilientdns/pkg/query_context"
)

const tcpFirstReadTimeout = 500 * time.Millisecond

// tcpConn wraps an accepted connection with the write mutex RFC 7766
// framing needs, since a single connection may have several queries'
// replies written back out of order by their own goroutines.
type tcpConn struct {
	sync.Mutex
	net.Conn
}

func (c *tcpConn) writeReply(b []byte) (int, error) {
	c.Lock()
	defer c.Unlock()
	return dnsutils.WriteRawMsgToTCP(c, b)
}

// ServeTCP runs the accept loop for a single TCP listener. When
// opts.ProxyProtocol is set, every accepted connection is wrapped so its
// PROXY protocol v1/v2 preamble (if any) is parsed before the first DNS
// frame is read, exposing the real client address behind a LAN proxy.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnectionTCP(ctx, &tcpConn{Conn: c})
		}(c)
	}
}

func (s *Server) handleConnectionTCP(ctx context.Context, c *tcpConn) {
	defer c.Close()

	if !s.trackCloser(c, true) {
		return
	}
	defer s.trackCloser(c, false)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	meta := query_context.NewRequestMeta(clientAddrFrom(c.RemoteAddr()), query_context.ProtocolTCP)

	idleTimeout := s.opts.IdleTimeout
	_ = c.SetReadDeadline(time.Now().Add(min(idleTimeout, tcpFirstReadTimeout)))

	for {
		_, raw, err := dnsutils.ReadMsgFromTCP(c)
		if err != nil {
			return
		}

		query := make([]byte, len(raw))
		copy(query, raw)

		s.wg.Add(1)
		go func(query []byte) {
			defer s.wg.Done()
			s.handleQueryTCP(connCtx, c, query, meta)
		}(query)

		_ = c.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func (s *Server) handleQueryTCP(ctx context.Context, c *tcpConn, query []byte, meta *query_context.RequestMeta) {
	reply, err := s.opts.DNSHandler.ServeDNS(ctx, query, meta)
	if err != nil {
		s.opts.Logger.Debug("handler err", zap.Error(err))
		return
	}
	if reply == nil {
		return
	}

	if _, err := c.writeReply(reply); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
	}
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/resilientdns/resilientdns/pkg/pool"
	"github.com/resilientdns/resilientdns/pkg/query_context"
)

const udpReadBufSize = 64 * 1024

// ServeUDP runs the accept loop for a single UDP socket: read a datagram,
// dispatch it to the handler on its own goroutine, write back whatever
// wire bytes it returns. A nil reply (malformed query) is dropped
// silently, matching the no-reply contract for unparseable input.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(udpReadBufSize)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		query := make([]byte, n)
		copy(query, rb[:n])

		s.wg.Add(1)
		go func(query []byte, remoteAddr net.Addr) {
			defer s.wg.Done()
			s.handleQueryUDP(listenerCtx, c, query, remoteAddr)
		}(query, remoteAddr)
	}
}

func (s *Server) handleQueryUDP(ctx context.Context, c net.PacketConn, query []byte, remoteAddr net.Addr) {
	meta := query_context.NewRequestMeta(clientAddrFrom(remoteAddr), query_context.ProtocolUDP)

	reply, err := s.opts.DNSHandler.ServeDNS(ctx, query, meta)
	if err != nil {
		s.opts.Logger.Warn("handler err", zap.Error(err))
		return
	}
	if reply == nil {
		return
	}

	if _, err := c.WriteTo(reply, remoteAddr); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
	}
}

func clientAddrFrom(a net.Addr) netip.Addr {
	switch v := a.(type) {
	case *net.UDPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip
		}
	case *net.TCPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

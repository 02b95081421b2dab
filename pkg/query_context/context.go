// Package query_context carries per-query metadata (client address, transport
// protocol) from a listener into the resolver core. ResilientDNS has a single
// fixed resolution path, not a plugin chain, so this package only keeps the
// metadata half of a query's context — there is no mutable response-holding
// object to pass between chain nodes.
package query_context

import "net/netip"

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

// RequestMeta describes the transport-level origin of a client query.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr, protocol string) *RequestMeta {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return &RequestMeta{clientAddr: addr, protocol: protocol}
}

func (m *RequestMeta) ClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) Protocol() string {
	return m.protocol
}

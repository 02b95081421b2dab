package resolver

import (
	"context"
	"errors"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/pkg/query_context"
)

// ServeDNS adapts Handle to the listener layer's dns_handler.Handler
// interface. A malformed query is dropped (nil, nil — the listener sends
// no reply); every other failure is turned into a packed SERVFAIL so the
// listener always has bytes to write.
func (r *Resolver) ServeDNS(ctx context.Context, wireQuery []byte, _ *query_context.RequestMeta) ([]byte, error) {
	reply, err := r.Handle(ctx, wireQuery)
	if err == nil {
		return reply, nil
	}
	if errors.Is(err, ErrMalformed) {
		return nil, nil
	}

	q := new(dns.Msg)
	if unpackErr := q.Unpack(wireQuery); unpackErr != nil {
		return nil, nil
	}
	servfail := new(dns.Msg)
	servfail.SetRcode(q, dns.RcodeServerFailure)
	packed, packErr := servfail.Pack()
	if packErr != nil {
		return nil, packErr
	}
	return packed, nil
}

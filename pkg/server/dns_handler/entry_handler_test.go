package dns_handler

import (
	"context"
	"testing"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/pkg/query_context"
)

// DummyServerHandler is a Handler stub for listener tests: it unpacks just
// enough to copy the client's transaction id into a canned reply.
type DummyServerHandler struct {
	T       *testing.T
	WantMsg *dns.Msg
	WantErr error
}

func (d *DummyServerHandler) ServeDNS(_ context.Context, wireQuery []byte, _ *query_context.RequestMeta) ([]byte, error) {
	if d.WantErr != nil {
		return nil, d.WantErr
	}

	req := new(dns.Msg)
	if err := req.Unpack(wireQuery); err != nil {
		d.T.Fatalf("dummy handler received unparseable query: %v", err)
	}

	var resp *dns.Msg
	if d.WantMsg != nil {
		resp = d.WantMsg.Copy()
	} else {
		resp = new(dns.Msg)
		resp.SetReply(req)
	}
	resp.Id = req.Id

	return resp.Pack()
}

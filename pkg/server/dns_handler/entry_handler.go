// Package dns_handler defines the boundary between a listener and the
// resolver core: a Handler takes a client's raw wire query plus its
// RequestMeta and returns a raw wire reply, ready to write back as-is.
package dns_handler

import (
	"context"

	"github.com/resilientdns/resilientdns/pkg/query_context"
)

// Handler resolves one wire-format DNS query on behalf of a listener.
// Implementations never need to unpack the query themselves beyond what
// they need for cache/upstream lookups; the returned bytes are written
// to the client unmodified.
type Handler interface {
	ServeDNS(ctx context.Context, wireQuery []byte, meta *query_context.RequestMeta) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, wireQuery []byte, meta *query_context.RequestMeta) ([]byte, error)

func (f HandlerFunc) ServeDNS(ctx context.Context, wireQuery []byte, meta *query_context.RequestMeta) ([]byte, error) {
	return f(ctx, wireQuery, meta)
}

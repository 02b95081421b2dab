// Package upstream defines the shared contract every upstream transport
// (UDP, TCP, Relay) satisfies: resolve a wire-format query under a hard
// deadline, returning either a wire-format reply or a classified error.
// No adapter retries or falls back to another transport.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Kind classifies a transport failure for metrics and logs. The resolver's
// serve-stale decision does not depend on it, and it never reaches the
// client directly.
type Kind string

const (
	UdpTimeout Kind = "udp_timeout"
	UdpError   Kind = "udp_error"

	TcpTimeout Kind = "tcp_timeout"
	TcpConnect Kind = "tcp_connect"
	TcpProtocol Kind = "tcp_protocol"

	RelayTimeout       Kind = "relay_timeout"
	RelayUnauthorized  Kind = "relay_unauthorized"
	RelayClientError   Kind = "relay_client_error"
	RelayUpstreamError Kind = "relay_upstream_error"
	RelayProtocolError Kind = "relay_protocol_error"
	RelayTooLarge      Kind = "relay_too_large"
	RelayRateLimited   Kind = "relay_rate_limited"
	RelayInternalError Kind = "relay_internal_error"
)

// Error is a classified upstream failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Transport is satisfied by every upstream adapter.
type Transport interface {
	// Resolve sends wireQuery and returns exactly one wire-format reply,
	// or a classified *Error. The call must not outlive deadline.
	Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error)
	Close() error
}

// Package relay implements the HTTPS JSON batch Relay upstream transport:
// gitlab.com/go-extension/http's Transport and RoundTrip, a size-limited
// io.ReadAll of the response, and status-code gating, extended for the Relay's batch
// envelope, gzip, size guards, and startup compatibility check.
package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gitlab.com/go-extension/http"

	"github.com/resilientdns/resilientdns/constant"
	"github.com/resilientdns/resilientdns/pkg/upstream"
)

var defaultUserAgent = fmt.Sprintf("resilientdnsd/%s", constant.Version)

// request is the wire envelope for POST /v{n}/dns.
type request struct {
	V     int               `json:"v"`
	ID    string            `json:"id"`
	Items []requestItem     `json:"items"`
	Meta  map[string]string `json:"meta,omitempty"`
}

type requestItem struct {
	ID string `json:"id"`
	Q  string `json:"q"`
}

type response struct {
	V     int            `json:"v"`
	ID    string         `json:"id"`
	Items []responseItem `json:"items"`
}

type responseItem struct {
	ID  string `json:"id"`
	Ok  bool   `json:"ok"`
	A   string `json:"a,omitempty"`
	Err string `json:"err,omitempty"`
}

// Limits is the GET /v{n}/info limits block.
type Limits struct {
	MaxItems             int `json:"max_items"`
	MaxRequestBytes      int `json:"max_request_bytes"`
	PerItemMaxWireBytes  int `json:"per_item_max_wire_bytes"`
	MaxResponseBytes     int `json:"max_response_bytes"`
}

type infoResponse struct {
	V           int    `json:"v"`
	Limits      Limits `json:"limits"`
	AuthRequired bool  `json:"auth_required"`
}

// Options configures a relay Upstream.
type Options struct {
	BaseURL     string
	Version     int
	AuthToken   string
	RequestID   func() string

	MaxItems            int
	MaxRequestBytes     int
	PerItemMaxWireBytes int
	MaxResponseBytes    int
}

// Upstream is the Relay HTTPS batch client.
type Upstream struct {
	opts      Options
	transport *http.Transport
	dnsURL    string
	infoURL   string
}

// New builds a relay Upstream against transport. transport is expected to
// be configured by the caller (TLS config, dial timeouts) the same way the
// teacher configures its DoH transport.
func New(opts Options, transport *http.Transport) *Upstream {
	base := strings.TrimRight(opts.BaseURL, "/")
	if opts.RequestID == nil {
		opts.RequestID = func() string { return strconv.FormatInt(time.Now().UnixNano(), 36) }
	}
	return &Upstream{
		opts:      opts,
		transport: transport,
		dnsURL:    fmt.Sprintf("%s/v%d/dns", base, opts.Version),
		infoURL:   fmt.Sprintf("%s/v%d/info", base, opts.Version),
	}
}

// Resolve implements upstream.Transport. It sends a batch of exactly one
// item per call; the schema supports larger batches but nothing in this
// version coalesces unrelated queries.
func (u *Upstream) Resolve(ctx context.Context, wireQuery []byte, deadline time.Time) ([]byte, error) {
	if u.opts.PerItemMaxWireBytes > 0 && len(wireQuery) > u.opts.PerItemMaxWireBytes {
		return nil, &upstream.Error{Kind: upstream.RelayTooLarge, Err: fmt.Errorf("query is %d bytes, limit is %d", len(wireQuery), u.opts.PerItemMaxWireBytes)}
	}

	reqBody := request{
		V:  u.opts.Version,
		ID: u.opts.RequestID(),
		Items: []requestItem{
			{ID: "1", Q: base64.StdEncoding.EncodeToString(wireQuery)},
		},
	}
	if u.opts.MaxItems > 0 && len(reqBody.Items) > u.opts.MaxItems {
		return nil, &upstream.Error{Kind: upstream.RelayTooLarge, Err: fmt.Errorf("batch has %d items, limit is %d", len(reqBody.Items), u.opts.MaxItems)}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.RelayClientError, Err: err}
	}
	if u.opts.MaxRequestBytes > 0 && len(payload) > u.opts.MaxRequestBytes {
		return nil, &upstream.Error{Kind: upstream.RelayTooLarge, Err: fmt.Errorf("request is %d bytes, limit is %d", len(payload), u.opts.MaxRequestBytes)}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.dnsURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.RelayClientError, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip")
	httpReq.Header.Set("User-Agent", defaultUserAgent)
	if u.opts.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.opts.AuthToken)
	}

	res, err := u.transport.RoundTrip(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &upstream.Error{Kind: upstream.RelayTimeout, Err: err}
		}
		return nil, &upstream.Error{Kind: upstream.RelayTimeout, Err: err}
	}
	defer res.Body.Close()

	if kind, ok := classifyStatus(res.StatusCode); ok {
		return nil, &upstream.Error{Kind: kind, Err: fmt.Errorf("http %d", res.StatusCode)}
	}

	body, err := readLimited(res, u.opts.MaxResponseBytes)
	if err != nil {
		return nil, err
	}

	var relayResp response
	if err := json.Unmarshal(body, &relayResp); err != nil {
		return nil, &upstream.Error{Kind: upstream.RelayClientError, Err: err}
	}
	if len(relayResp.Items) == 0 {
		return nil, &upstream.Error{Kind: upstream.RelayClientError, Err: fmt.Errorf("relay response has no items")}
	}

	return decodeItem(relayResp.Items[0])
}

// decodeItem maps a single response item to its wire reply or the error
// kind matching its err field. ok=true with an undecodable payload is a
// protocol error, never a successful Ok.
func decodeItem(item responseItem) ([]byte, error) {
	if !item.Ok {
		return nil, &upstream.Error{Kind: mapItemErr(item.Err), Err: fmt.Errorf("relay item error: %s", item.Err)}
	}
	reply, err := base64.StdEncoding.DecodeString(item.A)
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.RelayProtocolError, Err: err}
	}
	return reply, nil
}

func classifyStatus(code int) (upstream.Kind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == 401 || code == 403:
		return upstream.RelayUnauthorized, true
	case code >= 400 && code < 500:
		return upstream.RelayClientError, true
	case code >= 500:
		return upstream.RelayUpstreamError, true
	default:
		return upstream.RelayClientError, true
	}
}

func mapItemErr(e string) upstream.Kind {
	switch e {
	case "bad_request", "protocol_error":
		return upstream.RelayProtocolError
	case "upstream_error":
		return upstream.RelayUpstreamError
	case "timeout":
		return upstream.RelayTimeout
	case "unauthorized":
		return upstream.RelayUnauthorized
	case "too_large":
		return upstream.RelayTooLarge
	case "rate_limited":
		return upstream.RelayRateLimited
	case "internal_error":
		return upstream.RelayInternalError
	default:
		return upstream.RelayProtocolError
	}
}

func readLimited(res *http.Response, maxBytes int) ([]byte, error) {
	var r io.Reader = res.Body
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, &upstream.Error{Kind: upstream.RelayClientError, Err: err}
		}
		defer gz.Close()
		r = gz
	}

	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	limited := io.LimitReader(r, int64(maxBytes)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.RelayTimeout, Err: err}
	}
	if len(body) > maxBytes {
		return nil, &upstream.Error{Kind: upstream.RelayTooLarge, Err: fmt.Errorf("relay response exceeds %d bytes", maxBytes)}
	}
	return body, nil
}

func (u *Upstream) Close() error {
	u.transport.CloseIdleConnections()
	return nil
}

var _ upstream.Transport = (*Upstream)(nil)

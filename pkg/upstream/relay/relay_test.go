package relay

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/resilientdns/resilientdns/pkg/upstream"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		kind upstream.Kind
		ok   bool
	}{
		{200, "", false},
		{204, "", false},
		{299, "", false},
		{401, upstream.RelayUnauthorized, true},
		{403, upstream.RelayUnauthorized, true},
		{400, upstream.RelayClientError, true},
		{429, upstream.RelayClientError, true},
		{500, upstream.RelayUpstreamError, true},
		{503, upstream.RelayUpstreamError, true},
	}
	for _, c := range cases {
		kind, ok := classifyStatus(c.code)
		assert.Equalf(t, c.ok, ok, "code %d", c.code)
		assert.Equalf(t, c.kind, kind, "code %d", c.code)
	}
}

func TestMapItemErr(t *testing.T) {
	cases := map[string]upstream.Kind{
		"bad_request":     upstream.RelayProtocolError,
		"protocol_error":  upstream.RelayProtocolError,
		"upstream_error":  upstream.RelayUpstreamError,
		"timeout":         upstream.RelayTimeout,
		"unauthorized":    upstream.RelayUnauthorized,
		"too_large":       upstream.RelayTooLarge,
		"rate_limited":    upstream.RelayRateLimited,
		"internal_error":  upstream.RelayInternalError,
		"something_else":  upstream.RelayProtocolError,
	}
	for in, want := range cases {
		assert.Equalf(t, want, mapItemErr(in), "err=%s", in)
	}
}

// TestDecodeItemOkNonDecodable checks that a response with ok=true and a
// non-decodable base64 payload is counted RelayProtocolError, never Ok.
func TestDecodeItemOkNonDecodable(t *testing.T) {
	_, err := decodeItem(responseItem{ID: "1", Ok: true, A: "not-valid-base64!!"})
	var uerr *upstream.Error
	if assertAsUpstreamError(t, err, &uerr) {
		assert.Equal(t, upstream.RelayProtocolError, uerr.Kind)
	}
}

func TestDecodeItemOkValid(t *testing.T) {
	payload := []byte{0x12, 0x34, 0x00, 0x00}
	reply, err := decodeItem(responseItem{ID: "1", Ok: true, A: base64.StdEncoding.EncodeToString(payload)})
	assert.NoError(t, err)
	assert.Equal(t, payload, reply)
}

func TestDecodeItemErrMapping(t *testing.T) {
	_, err := decodeItem(responseItem{ID: "1", Ok: false, Err: "rate_limited"})
	var uerr *upstream.Error
	if assertAsUpstreamError(t, err, &uerr) {
		assert.Equal(t, upstream.RelayRateLimited, uerr.Kind)
	}
}

func assertAsUpstreamError(t *testing.T, err error, target **upstream.Error) bool {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
		return false
	}
	uerr, ok := err.(*upstream.Error)
	if !ok {
		t.Fatalf("expected *upstream.Error, got %T", err)
		return false
	}
	*target = uerr
	return true
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gitlab.com/go-extension/http"
)

// CheckMode controls how a failed startup compatibility check is handled.
type CheckMode string

const (
	CheckRequire CheckMode = "require"
	CheckWarn    CheckMode = "warn"
	CheckOff     CheckMode = "off"
)

// CheckResult reports the outcome of a startup GET /v{n}/info call.
type CheckResult struct {
	Info     Limits
	Mismatches []string
}

// CheckStartup performs a single GET /v{n}/info call and validates the
// response version, auth acceptance, and limits against the client's
// configured expectations. Every mismatched limit is reported, not just
// the first, matching the original implementation's diagnostic behavior.
func (u *Upstream) CheckStartup(ctx context.Context, deadline time.Time) (*CheckResult, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.infoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build startup check request: %w", err)
	}
	if u.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+u.opts.AuthToken)
	}

	res, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("startup check request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("startup check returned http %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read startup check body: %w", err)
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode startup check body: %w", err)
	}

	if info.V != u.opts.Version {
		return nil, fmt.Errorf("relay reports protocol version %d, configured for %d", info.V, u.opts.Version)
	}
	if info.AuthRequired && u.opts.AuthToken == "" {
		return nil, fmt.Errorf("relay requires authentication but no relay_auth_token is configured")
	}

	result := &CheckResult{Info: info.Limits}
	checkLimit("max_items", u.opts.MaxItems, info.Limits.MaxItems, result)
	checkLimit("max_request_bytes", u.opts.MaxRequestBytes, info.Limits.MaxRequestBytes, result)
	checkLimit("per_item_max_wire_bytes", u.opts.PerItemMaxWireBytes, info.Limits.PerItemMaxWireBytes, result)
	checkLimit("max_response_bytes", u.opts.MaxResponseBytes, info.Limits.MaxResponseBytes, result)

	return result, nil
}

// checkLimit records a mismatch when the client's configured limit
// exceeds what the relay advertises it will accept/return.
func checkLimit(name string, configured, advertised int, result *CheckResult) {
	if configured <= 0 || advertised <= 0 {
		return
	}
	if configured > advertised {
		result.Mismatches = append(result.Mismatches, fmt.Sprintf(
			"%s: configured %d exceeds relay's advertised %d", name, configured, advertised))
	}
}

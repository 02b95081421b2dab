package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.UpstreamTransport = "quic"
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresRelayBaseURL(t *testing.T) {
	cfg := Default()
	cfg.UpstreamTransport = "relay"
	assert.Error(t, Validate(cfg))

	cfg.RelayBaseURL = "ftp://relay.example"
	assert.Error(t, Validate(cfg))

	cfg.RelayBaseURL = "https://relay.example"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsBadStartupCheckMode(t *testing.T) {
	cfg := Default()
	cfg.UpstreamTransport = "relay"
	cfg.RelayBaseURL = "https://relay.example"
	cfg.RelayStartupCheck = "always"
	assert.Error(t, Validate(cfg))
}

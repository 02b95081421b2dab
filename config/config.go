// Package config loads and validates the resolver's configuration: a
// viper.Viper reading a single YAML file, decoded via
// go-viper/mapstructure/v2 with ErrorUnused, the "yaml" tag, and
// weakly-typed input.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds every tunable the resolver exposes, including the Relay
// startup-check and warmup knobs.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	ListenProxyProtocol bool `yaml:"listen_proxy_protocol"`

	UpstreamTransport string        `yaml:"upstream_transport"` // udp | tcp | relay
	UpstreamHost      string        `yaml:"upstream_host"`
	UpstreamPort      int           `yaml:"upstream_port"`
	UpstreamTimeout   time.Duration `yaml:"upstream_timeout"`

	MaxInflight   int64 `yaml:"max_inflight"`
	UDPMaxWorkers int   `yaml:"udp_max_workers"`

	CacheMaxEntries int           `yaml:"cache_max_entries"`
	MinTTL          time.Duration `yaml:"min_ttl"`
	MaxTTL          time.Duration `yaml:"max_ttl"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	ServeStaleMax   time.Duration `yaml:"serve_stale_max"`

	TCPPoolIdleTimeout time.Duration `yaml:"tcp_pool_idle_timeout"`
	TCPMaxResponseSize int           `yaml:"tcp_max_response_bytes"`

	RefreshEnabled             bool          `yaml:"refresh_enabled"`
	RefreshTickInterval        time.Duration `yaml:"refresh_tick_ms"`
	RefreshBatchSize           int           `yaml:"refresh_batch_size"`
	RefreshAhead               time.Duration `yaml:"refresh_ahead_seconds"`
	RefreshPopularityThreshold uint32        `yaml:"refresh_popularity_threshold"`
	RefreshPopularityDecay     time.Duration `yaml:"refresh_popularity_decay_seconds"`
	RefreshQueueMax            int           `yaml:"refresh_queue_max"`
	RefreshConcurrency         int           `yaml:"refresh_concurrency"`

	RefreshWarmupFile  string `yaml:"refresh_warmup_file"`
	RefreshWarmupLimit int    `yaml:"refresh_warmup_limit"`

	RelayBaseURL            string `yaml:"relay_base_url"`
	RelayAPIVersion         int    `yaml:"relay_api_version"`
	RelayAuthToken          string `yaml:"relay_auth_token"`
	RelayStartupCheck       string `yaml:"relay_startup_check"` // require | warn | off
	RelayMaxItems           int    `yaml:"relay_max_items"`
	RelayMaxRequestBytes    int    `yaml:"relay_max_request_bytes"`
	RelayPerItemMaxWireBytes int   `yaml:"relay_per_item_max_wire_bytes"`
	RelayMaxResponseBytes   int    `yaml:"relay_max_response_bytes"`

	MetricsHost string `yaml:"metrics_host"`
	MetricsPort int    `yaml:"metrics_port"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config populated with the same defaults as
// original_source/config.py's dataclass fields, translated to Go types.
func Default() *Config {
	return &Config{
		ListenHost: "127.0.0.1",
		ListenPort: 5353,

		UpstreamTransport: "udp",
		UpstreamHost:      "1.1.1.1",
		UpstreamPort:      53,
		UpstreamTimeout:   2 * time.Second,

		MaxInflight:   256,
		UDPMaxWorkers: 32,

		CacheMaxEntries: 10000,
		MinTTL:          0,
		MaxTTL:          0,
		NegativeTTL:     60 * time.Second,
		ServeStaleMax:   300 * time.Second,

		TCPPoolIdleTimeout: 30 * time.Second,
		TCPMaxResponseSize: 65535,

		RefreshEnabled:             false,
		RefreshTickInterval:        500 * time.Millisecond,
		RefreshBatchSize:           50,
		RefreshAhead:               30 * time.Second,
		RefreshPopularityThreshold: 5,
		RefreshPopularityDecay:     0,
		RefreshQueueMax:            1024,
		RefreshConcurrency:         5,

		RefreshWarmupLimit: 0,

		RelayAPIVersion:   1,
		RelayStartupCheck: "require",
		RelayMaxItems:     32,
		RelayMaxRequestBytes:    65536,
		RelayPerItemMaxWireBytes: 4096,
		RelayMaxResponseBytes:   262144,

		MetricsHost: "127.0.0.1",
		MetricsPort: 0,

		LogLevel: "info",
	}
}

// Load reads filePath (or searches the working directory for a file named
// "config.*" if filePath is empty) through viper, decodes it over Default,
// and validates the result.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	if filePath != "" {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the listener, upstream, cache, admission, TCP pool,
// metrics and (for the relay transport) relay settings; the refresh_*,
// min_ttl/max_ttl, tcp_max_response_bytes and log_level fields are not
// checked. Ported from
// original_source/config.py's validate_config and relay_types.py's
// validate_base_url/validate_limits/validate_startup_check.
func Validate(cfg *Config) error {
	if cfg.ListenHost == "" {
		return fmt.Errorf("listen_host must be non-empty")
	}
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535")
	}

	switch cfg.UpstreamTransport {
	case "udp", "tcp", "relay":
	default:
		return fmt.Errorf("upstream_transport must be udp, tcp, or relay")
	}

	if cfg.UpstreamTransport != "relay" {
		if cfg.UpstreamHost == "" {
			return fmt.Errorf("upstream_host must be non-empty")
		}
		if cfg.UpstreamPort < 1 || cfg.UpstreamPort > 65535 {
			return fmt.Errorf("upstream_port must be between 1 and 65535")
		}
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be > 0")
	}

	if cfg.ServeStaleMax < 0 {
		return fmt.Errorf("serve_stale_max must be >= 0")
	}
	if cfg.NegativeTTL < 0 {
		return fmt.Errorf("negative_ttl must be >= 0")
	}
	if cfg.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must be >= 0")
	}
	if cfg.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be >= 1")
	}
	if cfg.UDPMaxWorkers < 1 {
		return fmt.Errorf("udp_max_workers must be >= 1")
	}
	if cfg.TCPPoolIdleTimeout <= 0 {
		return fmt.Errorf("tcp_pool_idle_timeout must be > 0")
	}

	if cfg.MetricsPort != 0 && (cfg.MetricsPort < 1 || cfg.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be 0 or between 1 and 65535")
	}

	if cfg.UpstreamTransport == "relay" {
		if cfg.RelayBaseURL == "" {
			return fmt.Errorf("relay_base_url must be set when upstream_transport is relay")
		}
		if err := validateRelayBaseURL(cfg.RelayBaseURL); err != nil {
			return err
		}
		switch cfg.RelayStartupCheck {
		case "require", "warn", "off":
		default:
			return fmt.Errorf("relay_startup_check must be require, warn, or off")
		}
		if cfg.RelayMaxItems <= 0 {
			return fmt.Errorf("relay_max_items must be > 0")
		}
		if cfg.RelayMaxRequestBytes <= 0 {
			return fmt.Errorf("relay_max_request_bytes must be > 0")
		}
		if cfg.RelayPerItemMaxWireBytes <= 0 {
			return fmt.Errorf("relay_per_item_max_wire_bytes must be > 0")
		}
		if cfg.RelayMaxResponseBytes <= 0 {
			return fmt.Errorf("relay_max_response_bytes must be > 0")
		}
	}

	return nil
}

func validateRelayBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("relay_base_url must be non-empty")
	}
	if len(raw) < 8 || (raw[:7] != "http://" && raw[:8] != "https://") {
		return fmt.Errorf("relay_base_url must start with http:// or https://")
	}
	return nil
}

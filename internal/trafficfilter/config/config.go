// Package config loads and validates service configuration.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
	"trafficfilter/internal/trafficfilter/telemetry"
)

// Config captures runtime settings for the filter service.
type Config struct {
	Mode            string
	RulesPath       string
	RulesPoll       time.Duration
	TraceSampleRate int
	Limiter         core.LimiterPolicy

	EnableHTTP       bool
	HTTPListenAddr   string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration
	DrainTimeout     time.Duration
	MaxBodyBytes     int64
	MaxBatchEvents   int
	EnableAuth       bool
	AdminToken       string

	EnableGRPC     bool
	GRPCListenAddr string
	GRPCKeepAlive  time.Duration
	EnvoyDomain    string

	TelemetryBuffer       int
	TelemetryWorkers      int
	TelemetryDrainTimeout time.Duration
	EnableLogSink         bool
	EnablePromSink        bool
	EnableBusSink         bool
	BusCapacity           int
	NATSURL               string
	NATSSubject           string
	NATSBreaker           telemetry.BreakerOptions

	GeoTablePath string
	GeoCacheSize int

	LogLevel  string
	LogFormat string

	Logger   observability.Logger
	Tracer   observability.Tracer
	Sampler  observability.Sampler
	Registry *prometheus.Registry
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:            "enforce",
		RulesPoll:       10 * time.Second,
		TraceSampleRate: 100,
		Limiter: core.LimiterPolicy{
			Shards:          16,
			MaxEntriesShard: 4096,
			SweepInterval:   30 * time.Second,
		},
		EnableHTTP:       true,
		HTTPListenAddr:   ":8080",
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		RequestTimeout:   2 * time.Second,
		DrainTimeout:     5 * time.Second,
		MaxBodyBytes:     1 << 20,
		MaxBatchEvents:   256,
		EnableGRPC:       true,
		GRPCListenAddr:   ":9090",
		GRPCKeepAlive:    60 * time.Second,

		TelemetryBuffer:       4096,
		TelemetryWorkers:      2,
		TelemetryDrainTimeout: 5 * time.Second,
		EnableLogSink:         true,
		EnablePromSink:        true,
		BusCapacity:           1024,
		NATSSubject:           "trafficfilter.matches",
		NATSBreaker: telemetry.BreakerOptions{
			Threshold: 5,
			Cooldown:  5 * time.Second,
			Probes:    1,
		},

		GeoCacheSize: 4096,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate rejects configurations the application cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if _, err := core.ParseMode(c.Mode); err != nil {
		return errors.Wrapf(err, "invalid mode %q", c.Mode)
	}
	if c.EnableHTTP && c.HTTPListenAddr == "" {
		return errors.New("http listen address is required when http is enabled")
	}
	if c.EnableGRPC && c.GRPCListenAddr == "" {
		return errors.New("grpc listen address is required when grpc is enabled")
	}
	if c.EnableAuth && c.AdminToken == "" {
		return errors.New("admin token is required when auth is enabled")
	}
	for name, d := range map[string]time.Duration{
		"rules poll":              c.RulesPoll,
		"http read timeout":       c.HTTPReadTimeout,
		"http write timeout":      c.HTTPWriteTimeout,
		"http idle timeout":       c.HTTPIdleTimeout,
		"request timeout":         c.RequestTimeout,
		"drain timeout":           c.DrainTimeout,
		"grpc keepalive":          c.GRPCKeepAlive,
		"telemetry drain timeout": c.TelemetryDrainTimeout,
		"limiter sweep interval":  c.Limiter.SweepInterval,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 100 {
		return errors.New("trace sample rate must be within 0..100")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	if c.MaxBatchEvents <= 0 {
		return errors.New("max batch events must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

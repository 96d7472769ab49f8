// Package config loads and validates service configuration.
package config

import (
	"flag"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g.
// TRAFFICFILTER_HTTP_LISTEN_ADDR for http.listen_addr.
const envPrefix = "TRAFFICFILTER"

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
}

// Load resolves configuration with defaults, then the config file, then
// environment variables, then command line flags.
func Load(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}

	flags, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if flags.ConfigPath != nil {
		configPath = *flags.ConfigPath
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	cfg := fromViper(v)
	applyFlagOverrides(cfg, flags)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("engine.mode", def.Mode)
	v.SetDefault("engine.rules_path", def.RulesPath)
	v.SetDefault("engine.rules_poll", def.RulesPoll)
	v.SetDefault("engine.trace_sample_rate", def.TraceSampleRate)

	v.SetDefault("limiter.shards", def.Limiter.Shards)
	v.SetDefault("limiter.max_entries_shard", def.Limiter.MaxEntriesShard)
	v.SetDefault("limiter.sweep_interval", def.Limiter.SweepInterval)

	v.SetDefault("http.enabled", def.EnableHTTP)
	v.SetDefault("http.listen_addr", def.HTTPListenAddr)
	v.SetDefault("http.read_timeout", def.HTTPReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTPWriteTimeout)
	v.SetDefault("http.idle_timeout", def.HTTPIdleTimeout)
	v.SetDefault("http.request_timeout", def.RequestTimeout)
	v.SetDefault("http.drain_timeout", def.DrainTimeout)
	v.SetDefault("http.max_body_bytes", def.MaxBodyBytes)
	v.SetDefault("http.max_batch_events", def.MaxBatchEvents)
	v.SetDefault("http.auth_enabled", def.EnableAuth)
	v.SetDefault("http.admin_token", def.AdminToken)

	v.SetDefault("grpc.enabled", def.EnableGRPC)
	v.SetDefault("grpc.listen_addr", def.GRPCListenAddr)
	v.SetDefault("grpc.keepalive", def.GRPCKeepAlive)
	v.SetDefault("grpc.envoy_domain", def.EnvoyDomain)

	v.SetDefault("telemetry.buffer", def.TelemetryBuffer)
	v.SetDefault("telemetry.workers", def.TelemetryWorkers)
	v.SetDefault("telemetry.drain_timeout", def.TelemetryDrainTimeout)
	v.SetDefault("telemetry.log_sink", def.EnableLogSink)
	v.SetDefault("telemetry.prometheus_sink", def.EnablePromSink)
	v.SetDefault("telemetry.bus_sink", def.EnableBusSink)
	v.SetDefault("telemetry.bus_capacity", def.BusCapacity)

	v.SetDefault("nats.url", def.NATSURL)
	v.SetDefault("nats.subject", def.NATSSubject)
	v.SetDefault("nats.breaker_threshold", def.NATSBreaker.Threshold)
	v.SetDefault("nats.breaker_cooldown", def.NATSBreaker.Cooldown)
	v.SetDefault("nats.breaker_probes", def.NATSBreaker.Probes)

	v.SetDefault("enrich.geo_path", def.GeoTablePath)
	v.SetDefault("enrich.geo_cache_size", def.GeoCacheSize)

	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Mode:            v.GetString("engine.mode"),
		RulesPath:       v.GetString("engine.rules_path"),
		RulesPoll:       v.GetDuration("engine.rules_poll"),
		TraceSampleRate: v.GetInt("engine.trace_sample_rate"),

		EnableHTTP:       v.GetBool("http.enabled"),
		HTTPListenAddr:   v.GetString("http.listen_addr"),
		HTTPReadTimeout:  v.GetDuration("http.read_timeout"),
		HTTPWriteTimeout: v.GetDuration("http.write_timeout"),
		HTTPIdleTimeout:  v.GetDuration("http.idle_timeout"),
		RequestTimeout:   v.GetDuration("http.request_timeout"),
		DrainTimeout:     v.GetDuration("http.drain_timeout"),
		MaxBodyBytes:     v.GetInt64("http.max_body_bytes"),
		MaxBatchEvents:   v.GetInt("http.max_batch_events"),
		EnableAuth:       v.GetBool("http.auth_enabled"),
		AdminToken:       v.GetString("http.admin_token"),

		EnableGRPC:     v.GetBool("grpc.enabled"),
		GRPCListenAddr: v.GetString("grpc.listen_addr"),
		GRPCKeepAlive:  v.GetDuration("grpc.keepalive"),
		EnvoyDomain:    v.GetString("grpc.envoy_domain"),

		TelemetryBuffer:       v.GetInt("telemetry.buffer"),
		TelemetryWorkers:      v.GetInt("telemetry.workers"),
		TelemetryDrainTimeout: v.GetDuration("telemetry.drain_timeout"),
		EnableLogSink:         v.GetBool("telemetry.log_sink"),
		EnablePromSink:        v.GetBool("telemetry.prometheus_sink"),
		EnableBusSink:         v.GetBool("telemetry.bus_sink"),
		BusCapacity:           v.GetInt("telemetry.bus_capacity"),

		NATSURL:     v.GetString("nats.url"),
		NATSSubject: v.GetString("nats.subject"),

		GeoTablePath: v.GetString("enrich.geo_path"),
		GeoCacheSize: v.GetInt("enrich.geo_cache_size"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
	cfg.Limiter.Shards = v.GetInt("limiter.shards")
	cfg.Limiter.MaxEntriesShard = v.GetInt("limiter.max_entries_shard")
	cfg.Limiter.SweepInterval = v.GetDuration("limiter.sweep_interval")
	cfg.NATSBreaker.Threshold = v.GetInt64("nats.breaker_threshold")
	cfg.NATSBreaker.Cooldown = v.GetDuration("nats.breaker_cooldown")
	cfg.NATSBreaker.Probes = v.GetInt64("nats.breaker_probes")
	return cfg
}

type flagOverrides struct {
	ConfigPath      *string
	Mode            *string
	RulesPath       *string
	EnableHTTP      *bool
	HTTPListenAddr  *string
	EnableGRPC      *bool
	GRPCListenAddr  *string
	EnableAuth      *bool
	AdminToken      *string
	TraceSampleRate *int
	NATSURL         *string
	LogLevel        *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("trafficfilter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	mode := fs.String("mode", "", "engine mode")
	rulesPath := fs.String("rules", "", "rules file path")
	enableHTTP := fs.Bool("enable_http", false, "enable http")
	httpAddr := fs.String("http_addr", "", "http address")
	enableGRPC := fs.Bool("enable_grpc", false, "enable grpc")
	grpcAddr := fs.String("grpc_addr", "", "grpc address")
	enableAuth := fs.Bool("enable_auth", false, "enable auth")
	adminToken := fs.String("admin_token", "", "admin token")
	traceSampleRate := fs.Int("trace_sample_rate", 0, "trace sample rate")
	natsURL := fs.String("nats_url", "", "nats url")
	logLevel := fs.String("log_level", "", "log level")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, errors.New("invalid flag values")
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "mode":
			overrides.Mode = mode
		case "rules":
			overrides.RulesPath = rulesPath
		case "enable_http":
			overrides.EnableHTTP = enableHTTP
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "enable_grpc":
			overrides.EnableGRPC = enableGRPC
		case "grpc_addr":
			overrides.GRPCListenAddr = grpcAddr
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		case "trace_sample_rate":
			overrides.TraceSampleRate = traceSampleRate
		case "nats_url":
			overrides.NATSURL = natsURL
		case "log_level":
			overrides.LogLevel = logLevel
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.Mode != nil {
		cfg.Mode = *overrides.Mode
	}
	if overrides.RulesPath != nil {
		cfg.RulesPath = *overrides.RulesPath
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.TraceSampleRate != nil {
		cfg.TraceSampleRate = *overrides.TraceSampleRate
	}
	if overrides.NATSURL != nil {
		cfg.NATSURL = *overrides.NATSURL
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
}

// Package config loads and validates service configuration.
package config

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// PrintConfig writes the config to the writer as indented JSON. The admin
// token is masked.
func PrintConfig(w io.Writer, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if w == nil {
		return errors.New("writer is required")
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(newConfigSnapshot(cfg))
}

type durationMillis time.Duration

func (d durationMillis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

type configSnapshot struct {
	Mode            string
	RulesPath       string
	RulesPollMS     durationMillis
	TraceSampleRate int
	Limiter         limiterSnapshot

	EnableHTTP         bool
	HTTPListenAddr     string
	HTTPReadTimeoutMS  durationMillis
	HTTPWriteTimeoutMS durationMillis
	HTTPIdleTimeoutMS  durationMillis
	RequestTimeoutMS   durationMillis
	DrainTimeoutMS     durationMillis
	MaxBodyBytes       int64
	MaxBatchEvents     int
	EnableAuth         bool
	AdminToken         string

	EnableGRPC      bool
	GRPCListenAddr  string
	GRPCKeepAliveMS durationMillis
	EnvoyDomain     string

	TelemetryBuffer         int
	TelemetryWorkers        int
	TelemetryDrainTimeoutMS durationMillis
	EnableLogSink           bool
	EnablePromSink          bool
	EnableBusSink           bool
	BusCapacity             int
	NATSURL                 string
	NATSSubject             string
	NATSBreaker             breakerSnapshot

	GeoTablePath string
	GeoCacheSize int

	LogLevel  string
	LogFormat string
}

type limiterSnapshot struct {
	Shards          int
	MaxEntriesShard int
	SweepIntervalMS durationMillis
}

type breakerSnapshot struct {
	Threshold  int64
	CooldownMS durationMillis
	Probes     int64
}

func newConfigSnapshot(cfg *Config) configSnapshot {
	snapshot := configSnapshot{}
	if cfg == nil {
		return snapshot
	}
	snapshot.Mode = cfg.Mode
	snapshot.RulesPath = cfg.RulesPath
	snapshot.RulesPollMS = durationMillis(cfg.RulesPoll)
	snapshot.TraceSampleRate = cfg.TraceSampleRate
	snapshot.Limiter = limiterSnapshot{
		Shards:          cfg.Limiter.Shards,
		MaxEntriesShard: cfg.Limiter.MaxEntriesShard,
		SweepIntervalMS: durationMillis(cfg.Limiter.SweepInterval),
	}
	snapshot.EnableHTTP = cfg.EnableHTTP
	snapshot.HTTPListenAddr = cfg.HTTPListenAddr
	snapshot.HTTPReadTimeoutMS = durationMillis(cfg.HTTPReadTimeout)
	snapshot.HTTPWriteTimeoutMS = durationMillis(cfg.HTTPWriteTimeout)
	snapshot.HTTPIdleTimeoutMS = durationMillis(cfg.HTTPIdleTimeout)
	snapshot.RequestTimeoutMS = durationMillis(cfg.RequestTimeout)
	snapshot.DrainTimeoutMS = durationMillis(cfg.DrainTimeout)
	snapshot.MaxBodyBytes = cfg.MaxBodyBytes
	snapshot.MaxBatchEvents = cfg.MaxBatchEvents
	snapshot.EnableAuth = cfg.EnableAuth
	snapshot.AdminToken = maskToken(cfg.AdminToken)
	snapshot.EnableGRPC = cfg.EnableGRPC
	snapshot.GRPCListenAddr = cfg.GRPCListenAddr
	snapshot.GRPCKeepAliveMS = durationMillis(cfg.GRPCKeepAlive)
	snapshot.EnvoyDomain = cfg.EnvoyDomain
	snapshot.TelemetryBuffer = cfg.TelemetryBuffer
	snapshot.TelemetryWorkers = cfg.TelemetryWorkers
	snapshot.TelemetryDrainTimeoutMS = durationMillis(cfg.TelemetryDrainTimeout)
	snapshot.EnableLogSink = cfg.EnableLogSink
	snapshot.EnablePromSink = cfg.EnablePromSink
	snapshot.EnableBusSink = cfg.EnableBusSink
	snapshot.BusCapacity = cfg.BusCapacity
	snapshot.NATSURL = cfg.NATSURL
	snapshot.NATSSubject = cfg.NATSSubject
	snapshot.NATSBreaker = breakerSnapshot{
		Threshold:  cfg.NATSBreaker.Threshold,
		CooldownMS: durationMillis(cfg.NATSBreaker.Cooldown),
		Probes:     cfg.NATSBreaker.Probes,
	}
	snapshot.GeoTablePath = cfg.GeoTablePath
	snapshot.GeoCacheSize = cfg.GeoCacheSize
	snapshot.LogLevel = cfg.LogLevel
	snapshot.LogFormat = cfg.LogFormat
	return snapshot
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	return "***"
}

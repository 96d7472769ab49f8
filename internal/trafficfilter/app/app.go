// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"trafficfilter/internal/trafficfilter/config"
	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/enrich"
	"trafficfilter/internal/trafficfilter/observability"
	"trafficfilter/internal/trafficfilter/store/rulesfile"
	"trafficfilter/internal/trafficfilter/telemetry"
	grpctransport "trafficfilter/internal/trafficfilter/transport/grpc"
	httptransport "trafficfilter/internal/trafficfilter/transport/http"
)

// RulesProvider supplies the engine rule set and keeps it fresh.
type RulesProvider interface {
	Load() error
	Run(ctx context.Context) error
}

type transport interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Application holds core components for the service.
type Application struct {
	Config     *config.Config
	Engine     *core.Engine
	Provider   RulesProvider
	Dispatcher *telemetry.Dispatcher
	GeoTable   *enrich.GeoTable
	Registry   *prometheus.Registry
	Bus        *telemetry.BusSink

	ready         atomic.Bool
	httpTransport *httptransport.HTTPTransport
	grpcTransport *grpctransport.GRPCTransport
	transports    []transport
	nats          *telemetry.NATSSink
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	drainTimeout  time.Duration
	logger        observability.Logger
	ownLogger     *observability.ZapLogger
}

// NewApplication fills config defaults, validates the result, and wires
// the engine, rule provider, telemetry, and transports.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = "enforce"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.RulesPoll == 0 {
		cfg.RulesPoll = 10 * time.Second
	}
	if cfg.TraceSampleRate == 0 {
		cfg.TraceSampleRate = 100
	}
	if cfg.HTTPReadTimeout == 0 {
		cfg.HTTPReadTimeout = 5 * time.Second
	}
	if cfg.HTTPWriteTimeout == 0 {
		cfg.HTTPWriteTimeout = 10 * time.Second
	}
	if cfg.HTTPIdleTimeout == 0 {
		cfg.HTTPIdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.GRPCKeepAlive == 0 {
		cfg.GRPCKeepAlive = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = 256
	}
	if cfg.TelemetryBuffer <= 0 {
		cfg.TelemetryBuffer = 4096
	}
	if cfg.TelemetryWorkers <= 0 {
		cfg.TelemetryWorkers = 2
	}
	if cfg.TelemetryDrainTimeout == 0 {
		cfg.TelemetryDrainTimeout = 5 * time.Second
	}
	if cfg.BusCapacity <= 0 {
		cfg.BusCapacity = 1024
	}
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = "trafficfilter.matches"
	}
	if cfg.GeoCacheSize <= 0 {
		cfg.GeoCacheSize = 4096
	}
	if cfg.Limiter.Shards == 0 {
		cfg.Limiter.Shards = 16
	}
	if cfg.Limiter.MaxEntriesShard == 0 {
		cfg.Limiter.MaxEntriesShard = 4096
	}
	if cfg.Limiter.SweepInterval == 0 {
		cfg.Limiter.SweepInterval = 30 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := core.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	var ownLogger *observability.ZapLogger
	if logger == nil {
		zl, zerr := observability.NewZapLogger(cfg.LogLevel, cfg.LogFormat)
		if zerr != nil {
			return nil, zerr
		}
		ownLogger = zl
		logger = zl
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := observability.NewPromMetrics(registry)
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewOTelTracer("trafficfilter")
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = observability.NewHashSampler(cfg.TraceSampleRate)
	}

	var geo *enrich.GeoTable
	if cfg.GeoTablePath != "" {
		geo, err = enrich.LoadGeoTable(cfg.GeoTablePath, cfg.GeoCacheSize)
		if err != nil {
			return nil, err
		}
	}

	var sinks []telemetry.Sink
	if cfg.EnableLogSink {
		sinks = append(sinks, telemetry.NewLogSink(logger))
	}
	if cfg.EnablePromSink {
		sinks = append(sinks, telemetry.NewPromSink(registry))
	}
	var bus *telemetry.BusSink
	if cfg.EnableBusSink {
		bus = telemetry.NewBusSink(cfg.BusCapacity)
		sinks = append(sinks, bus)
	}
	var natsSink *telemetry.NATSSink
	if cfg.NATSURL != "" {
		natsSink, err = telemetry.NewNATSSink(telemetry.NATSSinkOptions{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Breaker: cfg.NATSBreaker,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, natsSink)
	}
	dispatcher := telemetry.NewDispatcher(telemetry.DispatcherOptions{
		BufferSize:   cfg.TelemetryBuffer,
		Workers:      cfg.TelemetryWorkers,
		DrainTimeout: cfg.TelemetryDrainTimeout,
		Logger:       logger,
		Metrics:      metrics,
	}, sinks...)

	engine := core.NewEngine(core.EngineOptions{
		Logger:  logger,
		Tracer:  tracer,
		Sampler: sampler,
		Metrics: metrics,
		Sink:    dispatcher,
		Limiter: cfg.Limiter,
		Mode:    mode,
	})

	var provider RulesProvider
	if cfg.RulesPath != "" {
		provider, err = rulesfile.NewProvider(engine, rulesfile.Options{
			Path:         cfg.RulesPath,
			PollInterval: cfg.RulesPoll,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		provider = rulesfile.NewStaticProvider(engine, nil)
	}

	app := &Application{
		Config:       cfg,
		Engine:       engine,
		Provider:     provider,
		Dispatcher:   dispatcher,
		GeoTable:     geo,
		Registry:     registry,
		Bus:          bus,
		nats:         natsSink,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		ownLogger:    ownLogger,
	}

	if cfg.EnableHTTP {
		transport := httptransport.NewHTTPTransport(cfg.HTTPListenAddr, app.Ready)
		if err := transport.ServeFilter(engine); err != nil {
			return nil, err
		}
		if err := transport.ServeAdmin(engine); err != nil {
			return nil, err
		}
		httpCfg := httptransport.HTTPTransportConfig{
			ReadTimeout:    cfg.HTTPReadTimeout,
			WriteTimeout:   cfg.HTTPWriteTimeout,
			IdleTimeout:    cfg.HTTPIdleTimeout,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			MaxBatchEvents: cfg.MaxBatchEvents,
			EnableAuth:     cfg.EnableAuth,
			AdminToken:     cfg.AdminToken,
			Logger:         logger,
			Registry:       registry,
			Reloader:       provider,
			Telemetry:      dispatcher.Stats,
		}
		if geo != nil {
			httpCfg.Enricher = geo
		}
		transport.Configure(httpCfg)
		app.httpTransport = transport
		app.transports = append(app.transports, transport)
	}

	if cfg.EnableGRPC {
		transport := grpctransport.NewGRPCTransport(cfg.GRPCListenAddr, app.Ready)
		if err := transport.ServeFilter(engine); err != nil {
			return nil, err
		}
		grpcCfg := grpctransport.GRPCTransportConfig{
			KeepAlive: cfg.GRPCKeepAlive,
			Domain:    cfg.EnvoyDomain,
			Rules:     engine,
			Registry:  registry,
			Logger:    logger,
		}
		if geo != nil {
			grpcCfg.Enricher = geo
		}
		transport.Configure(grpcCfg)
		app.grpcTransport = transport
		app.transports = append(app.transports, transport)
	}

	return app, nil
}

// Start applies the rule set and begins background work. The initial load
// must succeed; later reload failures keep the active rules.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.Provider != nil {
		if err := app.Provider.Load(); err != nil {
			return err
		}
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.Provider.Run(ctx)
		}()
	}
	if app.Engine != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.Engine.Run(ctx)
		}()
	}
	if app.httpTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.httpTransport.Start()
		}()
	}
	if app.grpcTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.grpcTransport.Start()
		}()
	}

	app.ready.Store(true)
	if app.logger != nil && app.Config != nil {
		app.logger.Info("application started", map[string]any{
			"mode":         app.Engine.Mode().String(),
			"http_enabled": app.Config.EnableHTTP,
			"grpc_enabled": app.Config.EnableGRPC,
			"rules_path":   app.Config.RulesPath,
		})
	}

	return nil
}

// Shutdown drains in-flight requests and queued telemetry, then stops
// background work.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	if app.logger != nil && app.Config != nil {
		app.logger.Info("application shutdown", map[string]any{
			"http_enabled": app.Config.EnableHTTP,
			"grpc_enabled": app.Config.EnableGRPC,
		})
	}
	defer func() {
		if app.ownLogger != nil {
			app.ownLogger.Sync()
		}
	}()

	var result *multierror.Error
	drainCtx := ctx
	if app.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, app.drainTimeout)
		defer cancel()
	}
	for _, tr := range app.transports {
		if tr == nil {
			continue
		}
		if err := tr.Shutdown(drainCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if app.cancel != nil {
		app.cancel()
	}
	drained := true
	if app.Dispatcher != nil {
		if err := app.Dispatcher.Close(); err != nil {
			drained = false
			result = multierror.Append(result, err)
		}
	}
	// Sinks stay open when the drain times out; a worker may still be
	// delivering to them.
	if drained {
		if app.nats != nil {
			if err := app.nats.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if app.Bus != nil {
			if err := app.Bus.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// Ready reports whether the application has completed startup.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

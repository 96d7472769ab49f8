// Package httptransport serves the filter decision and admin APIs over HTTP.
package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
	"trafficfilter/internal/trafficfilter/telemetry"
)

// FilterService resolves traffic events into decisions.
type FilterService interface {
	Resolve(ctx context.Context, ev *core.TrafficEvent) core.Decision
}

// AdminService exposes the engine read and control surface for operators.
type AdminService interface {
	Rules() []core.FilterRule
	Rule(id string) (core.FilterRule, bool)
	MatchCount(ruleID string) uint64
	MatchCounts() map[string]uint64
	Status() core.EngineStatus
	Mode() core.Mode
	SetMode(mode core.Mode)
}

// Reloader re-reads the rule source and applies it to the engine.
type Reloader interface {
	Load() error
}

// Enricher fills derived event fields before resolution.
type Enricher interface {
	Enrich(ev *core.TrafficEvent)
}

// HTTPTransport serves the Filter and Admin APIs over HTTP.
type HTTPTransport struct {
	addr           string
	srv            *http.Server
	filter         FilterService
	admin          AdminService
	reload         Reloader
	enricher       Enricher
	telemetry      func() telemetry.DispatcherStats
	appReady       func() bool
	inflight       *InFlight
	responses      *ResponsePool
	registry       *prometheus.Registry
	metrics        *httpMetrics
	mux            http.Handler
	mu             sync.Mutex
	stopped        bool
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	maxBodyBytes   int64
	maxBatchEvents int
	enableAuth     bool
	adminToken     string
	logger         observability.Logger
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxBodyBytes   int64
	MaxBatchEvents int
	EnableAuth     bool
	AdminToken     string
	Logger         observability.Logger
	Registry       *prometheus.Registry
	Reloader       Reloader
	Enricher       Enricher
	Telemetry      func() telemetry.DispatcherStats
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{
		addr:      addr,
		appReady:  ready,
		inflight:  NewInFlight(),
		responses: NewResponsePool(),
	}
}

// ServeFilter registers the filter decision service.
func (t *HTTPTransport) ServeFilter(service FilterService) error {
	if service == nil {
		return errors.New("filter service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter = service
	return nil
}

// ServeAdmin registers the admin service.
func (t *HTTPTransport) ServeAdmin(service AdminService) error {
	if service == nil {
		return errors.New("admin service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admin = service
	return nil
}

// Configure applies transport configuration values.
func (t *HTTPTransport) Configure(cfg HTTPTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = cfg.ReadTimeout
	t.writeTimeout = cfg.WriteTimeout
	t.idleTimeout = cfg.IdleTimeout
	if cfg.MaxBodyBytes > 0 {
		t.maxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.MaxBatchEvents > 0 {
		t.maxBatchEvents = cfg.MaxBatchEvents
	}
	t.enableAuth = cfg.EnableAuth
	t.adminToken = cfg.AdminToken
	t.logger = cfg.Logger
	t.registry = cfg.Registry
	t.reload = cfg.Reloader
	t.enricher = cfg.Enricher
	t.telemetry = cfg.Telemetry
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in flight requests and stops the HTTP server. New
// decision requests are rejected as soon as the drain begins.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.inflight.Close()
	waitErr := t.inflight.Wait(ctx)
	t.mu.Lock()
	t.stopped = true
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return waitErr
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return waitErr
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.filter == nil || t.admin == nil {
		return nil, errors.New("services must be registered before starting")
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
	}
	if t.metrics == nil {
		t.metrics = newHTTPMetrics(t.registry)
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux, nil
}

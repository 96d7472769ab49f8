// Package grpctransport serves the Envoy rate limit protocol over gRPC.
package grpctransport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	rlv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
)

// FilterService resolves traffic events into decisions.
type FilterService interface {
	Resolve(ctx context.Context, ev *core.TrafficEvent) core.Decision
}

// RuleSource looks up active rules for limit hints on denied descriptors.
type RuleSource interface {
	Rule(id string) (core.FilterRule, bool)
}

// Enricher fills derived event fields before resolution.
type Enricher interface {
	Enrich(ev *core.TrafficEvent)
}

// GRPCTransport serves the Envoy RateLimitService adapter over gRPC.
type GRPCTransport struct {
	addr      string
	lis       net.Listener
	srv       *grpc.Server
	filter    FilterService
	ready     func() bool
	mu        sync.Mutex
	stopped   bool
	keepAlive time.Duration
	domain    string
	rules     RuleSource
	enricher  Enricher
	registry  *prometheus.Registry
	logger    observability.Logger
}

// GRPCTransportConfig configures the gRPC transport.
type GRPCTransportConfig struct {
	KeepAlive time.Duration
	Domain    string
	Rules     RuleSource
	Enricher  Enricher
	Registry  *prometheus.Registry
	Logger    observability.Logger
}

// NewGRPCTransport constructs a transport bound to an address.
func NewGRPCTransport(addr string, ready func() bool) *GRPCTransport {
	if addr == "" {
		addr = ":9090"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &GRPCTransport{addr: addr, ready: ready, keepAlive: 60 * time.Second}
}

// ServeFilter registers the filter decision service.
func (t *GRPCTransport) ServeFilter(service FilterService) error {
	if service == nil {
		return errors.New("filter service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter = service
	return nil
}

// Configure applies transport configuration values.
func (t *GRPCTransport) Configure(cfg GRPCTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.KeepAlive > 0 {
		t.keepAlive = cfg.KeepAlive
	}
	t.domain = cfg.Domain
	t.rules = cfg.Rules
	t.enricher = cfg.Enricher
	t.registry = cfg.Registry
	t.logger = cfg.Logger
}

// Start begins serving gRPC requests.
func (t *GRPCTransport) Start() error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	if t.filter == nil {
		t.mu.Unlock()
		return errors.New("filter service must be registered before starting")
	}
	listener := t.lis
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.lis = listener
	}
	if t.srv == nil {
		serverMetrics := grpc_prometheus.NewServerMetrics()
		opts := []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(
				grpcRecoveryInterceptor(t.logger),
				grpcLoggingInterceptor(t.logger),
				serverMetrics.UnaryServerInterceptor(),
			),
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: t.keepAlive}),
		}
		t.srv = grpc.NewServer(opts...)
		pb.RegisterRateLimitServiceServer(t.srv, &rateLimitServer{
			filter:   t.filter,
			rules:    t.rules,
			enricher: t.enricher,
			domain:   t.domain,
			logger:   t.logger,
		})
		healthpb.RegisterHealthServer(t.srv, &healthServer{ready: t.ready})
		serverMetrics.InitializeMetrics(t.srv)
		if t.registry != nil {
			t.registry.MustRegister(serverMetrics)
		}
	}
	srv := t.srv
	t.mu.Unlock()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown stops the gRPC server, falling back to a hard stop when the
// context expires before the graceful drain finishes.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.stopped = true
	srv := t.srv
	listener := t.lis
	t.mu.Unlock()
	if srv == nil {
		if listener != nil {
			_ = listener.Close()
		}
		return nil
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		if listener != nil {
			_ = listener.Close()
		}
		return ctx.Err()
	}
	if listener != nil {
		_ = listener.Close()
	}
	return nil
}

type rateLimitServer struct {
	pb.UnimplementedRateLimitServiceServer
	filter   FilterService
	rules    RuleSource
	enricher Enricher
	domain   string
	logger   observability.Logger
}

// ShouldRateLimit evaluates every descriptor as one traffic event. Any
// descriptor resolving to a deny action turns the overall code to
// OVER_LIMIT; unknown domains and empty requests answer UNKNOWN so the
// Envoy failure mode decides.
func (s *rateLimitServer) ShouldRateLimit(ctx context.Context, req *pb.RateLimitRequest) (*pb.RateLimitResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if s == nil || s.filter == nil {
		return nil, status.Error(codes.Internal, "filter service is required")
	}
	if s.domain != "" && req.GetDomain() != s.domain {
		if s.logger != nil {
			s.logger.Warn("unknown ratelimit domain", map[string]any{"domain": req.GetDomain()})
		}
		return &pb.RateLimitResponse{OverallCode: pb.RateLimitResponse_UNKNOWN}, nil
	}
	descriptors := req.GetDescriptors()
	if len(descriptors) == 0 {
		return &pb.RateLimitResponse{OverallCode: pb.RateLimitResponse_UNKNOWN}, nil
	}
	overall := pb.RateLimitResponse_OK
	statuses := make([]*pb.RateLimitResponse_DescriptorStatus, len(descriptors))
	for i, desc := range descriptors {
		ev := descriptorEvent(desc)
		if s.enricher != nil {
			s.enricher.Enrich(&ev)
		}
		decision := s.filter.Resolve(ctx, &ev)
		descStatus := &pb.RateLimitResponse_DescriptorStatus{Code: pb.RateLimitResponse_OK}
		if denied(decision.Action) {
			descStatus.Code = pb.RateLimitResponse_OVER_LIMIT
			overall = pb.RateLimitResponse_OVER_LIMIT
			s.attachLimitHint(descStatus, decision)
		}
		statuses[i] = descStatus
	}
	return &pb.RateLimitResponse{OverallCode: overall, Statuses: statuses}, nil
}

// attachLimitHint reports the configured rate and one-token refill time
// when the denying rule is a token bucket.
func (s *rateLimitServer) attachLimitHint(descStatus *pb.RateLimitResponse_DescriptorStatus, decision core.Decision) {
	if s.rules == nil || decision.RuleID == "" {
		return
	}
	rule, ok := s.rules.Rule(decision.RuleID)
	if !ok || rule.Type != core.RuleTypeRate {
		return
	}
	rc, ok := rule.Config.(core.RateConfig)
	if !ok || rc.TokensPerSecond <= 0 {
		return
	}
	descStatus.CurrentLimit = &pb.RateLimitResponse_RateLimit{
		RequestsPerUnit: uint32(rc.TokensPerSecond),
		Unit:            pb.RateLimitResponse_RateLimit_SECOND,
	}
	descStatus.DurationUntilReset = durationpb.New(time.Duration(float64(time.Second) / rc.TokensPerSecond))
}

type healthServer struct {
	healthpb.UnimplementedHealthServer
	ready func() bool
}

func (s *healthServer) Check(context.Context, *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if s != nil && s.ready != nil && s.ready() {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
}

// descriptorEvent maps descriptor entries onto event fields. Recognized
// keys follow the common Envoy action names; anything else is carried as
// a header so pattern rules can reach it.
func descriptorEvent(desc *rlv3.RateLimitDescriptor) core.TrafficEvent {
	ev := core.TrafficEvent{}
	if desc == nil {
		return ev
	}
	for _, entry := range desc.GetEntries() {
		if entry == nil {
			continue
		}
		value := entry.GetValue()
		switch entry.GetKey() {
		case "source_ip", "remote_address":
			if addr, err := netip.ParseAddr(value); err == nil {
				ev.SourceIP = addr
			}
		case "source_port":
			if port, err := strconv.ParseUint(value, 10, 16); err == nil {
				ev.SourcePort = uint16(port)
			}
		case "dest_ip":
			if addr, err := netip.ParseAddr(value); err == nil {
				ev.DestIP = addr
			}
		case "dest_port":
			if port, err := strconv.ParseUint(value, 10, 16); err == nil {
				ev.DestPort = uint16(port)
			}
		case "protocol":
			ev.Protocol = value
		case "path":
			ev.Path = value
		case "query":
			ev.Query = value
		case "country":
			ev.Country = value
		case "asn":
			if asn, err := strconv.ParseUint(value, 10, 32); err == nil {
				ev.ASN = uint32(asn)
			}
		case "backend_id", "destination_cluster":
			ev.BackendID = value
		case "bytes":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				ev.Bytes = n
			}
		default:
			if ev.Headers == nil {
				ev.Headers = map[string]string{}
			}
			ev.Headers[entry.GetKey()] = value
		}
	}
	return ev
}

func denied(action core.Action) bool {
	switch action {
	case core.ActionBlock, core.ActionRateLimit, core.ActionChallenge:
		return true
	}
	return false
}

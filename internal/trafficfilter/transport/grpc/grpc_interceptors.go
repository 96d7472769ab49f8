// Package grpctransport provides gRPC interceptors.
package grpctransport

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"trafficfilter/internal/trafficfilter/observability"
)

func grpcRecoveryInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("grpc handler panic", map[string]any{
						"method": info.FullMethod,
						"panic":  fmt.Sprint(r),
						"stack":  string(debug.Stack()),
					})
				}
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func grpcLoggingInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := uuid.NewString()
		start := time.Now()
		resp, err := handler(ctx, req)
		if logger != nil {
			fields := map[string]any{
				"method":      info.FullMethod,
				"request_id":  requestID,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				logger.Error("grpc request error", fields)
			} else {
				logger.Info("grpc request", fields)
			}
		}
		return resp, err
	}
}

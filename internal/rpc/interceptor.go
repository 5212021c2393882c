package rpc

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"procodus.dev/sensorhub/pkg/metrics"
)

// APIKeyMetadata is the metadata key carrying the API key.
const APIKeyMetadata = "x-api-key"

// APIKeyInterceptor rejects calls without the configured key. With no key
// configured every call fails.
func APIKeyInterceptor(apiKey string, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if apiKey == "" {
			return nil, status.Error(codes.FailedPrecondition, "server API key is not configured")
		}

		var got string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(APIKeyMetadata); len(values) > 0 {
				got = values[0]
			}
		}

		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
			attrs := []any{"method", info.FullMethod}
			if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
				attrs = append(attrs, "peer_addr", p.Addr.String())
			}
			logger.Warn("rejected rpc call", attrs...)
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(ctx, req)
	}
}

// MetricsInterceptor counts calls by method and status code.
func MetricsInterceptor(m *metrics.ServerMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		m.GRPCRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		m.GRPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

package rpc

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc"

	"procodus.dev/sensorhub/pkg/metrics"
)

// ServerConfig holds the configuration for NewServer.
type ServerConfig struct {
	Logger   *slog.Logger
	Readings Readings
	APIKey   string
	Metrics  *metrics.ServerMetrics // Optional
}

// NewServer builds a grpc.Server with the Readings service registered.
func NewServer(cfg *ServerConfig) (*grpc.Server, error) {
	if cfg == nil {
		return nil, errors.New("rpc server config cannot be nil")
	}

	svc, err := NewService(cfg.Logger, cfg.Readings)
	if err != nil {
		return nil, err
	}

	interceptors := []grpc.UnaryServerInterceptor{}
	if cfg.Metrics != nil {
		interceptors = append(interceptors, MetricsInterceptor(cfg.Metrics))
	}
	interceptors = append(interceptors, APIKeyInterceptor(cfg.APIKey, cfg.Logger))

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	RegisterReadingsServer(srv, svc)

	return srv, nil
}

// Package server assembles the gRPC server: otel instrumentation, bearer-token auth, request logging,
// and the standard health service.
package server

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"identity-session-core/internal/server/interceptors"
)

// Deps holds the collaborators the server needs.
type Deps struct {
	// Auth verifies bearer tokens on non-public methods. Required.
	Auth interceptors.Authorizer
	// Health backs grpc.health.v1.Health. If nil, a fresh health.Server reporting SERVING is used.
	Health *grpchealth.Server
	// Logger receives one line per RPC. If nil, slog.Default is used.
	Logger *slog.Logger
}

// PublicMethods are served without a bearer token and are not request-logged.
var PublicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewServer returns a gRPC server with otelgrpc stats, the auth and logging interceptors, and the
// health service registered. Extra options are appended after the defaults.
func NewServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	hs := deps.Health
	if hs == nil {
		hs = grpchealth.NewServer()
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Auth, PublicMethods),
			interceptors.LoggingUnary(deps.Logger, PublicMethods),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Serve runs s on lis until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, s *grpc.Server, lis net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		<-ctx.Done()
		logger.Info("stopping gRPC server")
		s.GracefulStop()
	}()
	logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

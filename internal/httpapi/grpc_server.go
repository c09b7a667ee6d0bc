package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"coursekeep.org/internal/obs"
)

// GRPCServer exposes grpc.health.v1 backed by the readiness probe. Each
// Check re-evaluates readiness before answering.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the health service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{
		Server:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Register attaches the health service to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s)
}

// Check evaluates readiness for the overall server and serviceName.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.refresh(ctx)
	return s.Server.Check(ctx, req)
}

func (s *GRPCServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.LogError("grpc", "readiness check failed", err, map[string]any{"version": s.version})
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else {
		obs.SetReady(true)
	}
	s.Server.SetServingStatus("", status)
	s.Server.SetServingStatus(serviceName, status)
}

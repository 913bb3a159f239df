package api

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service reported by the gRPC health server
const GRPCServiceName = "flink-mesos.Framework"

// startGRPCHealth serves grpc.health.v1 on the configured address. Callers
// hold s.mu.
func (s *Server) startGRPCHealth() error {
	ln, err := net.Listen("tcp", s.opts.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.GRPCHealthAddr, err)
	}
	s.grpc = grpc.NewServer()
	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.grpcHealth.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	s.grpcAddr = ln.Addr()

	go func(srv *grpc.Server) {
		if err := srv.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}(s.grpc)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gRPC health service listening")
	return nil
}

// GRPCHealthAddr returns the bound gRPC health address, or nil
func (s *Server) GRPCHealthAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

func (s *Server) stopGRPCHealth() {
	s.mu.Lock()
	srv, hs := s.grpc, s.grpcHealth
	s.grpc, s.grpcHealth, s.grpcAddr = nil, nil, nil
	s.mu.Unlock()

	if hs != nil {
		hs.Shutdown()
	}
	if srv != nil {
		srv.GracefulStop()
	}
}

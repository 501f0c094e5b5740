package main

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer is the gRPC health endpoint used by orchestrators.
type HealthServer struct {
	log        *slog.Logger
	gRPCServer *grpc.Server
	health     *health.Server
	port       int
}

func NewHealthServer(log *slog.Logger, port int) *HealthServer {
	gRPCServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gRPCServer, hs)

	return &HealthServer{
		log:        log,
		gRPCServer: gRPCServer,
		health:     hs,
		port:       port,
	}
}

// Run serves until Stop is called.
func (s *HealthServer) Run() error {
	const op = "main.HealthServer.Run"

	log := s.log.With(
		slog.String("op", op),
		slog.Int("port", s.port),
	)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Info("🩺 gRPC health server is running", slog.String("address", listener.Addr().String()))

	if err := s.gRPCServer.Serve(listener); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stop reports NOT_SERVING and drains open calls.
func (s *HealthServer) Stop() {
	s.log.Info("stopping gRPC health server", slog.Int("port", s.port))

	s.health.Shutdown()
	s.gRPCServer.GracefulStop()
}

package controller

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
)

// ServiceName is the health service entry that tracks the simulation flag.
// The empty service name reports overall server liveness.
const ServiceName = "cpusim.Engine"

// Server exposes the standard gRPC health protocol for an engine.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	eng    *engine.Engine
	log    *slog.Logger
}

// New builds a server with the health service registered. opts are passed to
// grpc.NewServer (e.g. grpc.Creds).
func New(eng *engine.Engine, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		eng:    eng,
		log:    logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Sync()
	return s
}

// Sync publishes the current simulation flag as the ServiceName status.
func (s *Server) Sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.eng.SimulationRunning() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Watch re-syncs the status every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("gRPC health listening", "addr", lis.Addr().String())

	go s.Watch(ctx, s.eng.TickPeriod())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Package grpcserver exposes the pipeline's health over gRPC so schedulers
// and orchestration probes can check it.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"openclusters/internal/pipeline"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service registered for the job queue as a whole.
// Each job type is also registered as ServiceName + "." + type.
const ServiceName = "openclusters.Pipeline"

// Server hosts the gRPC health endpoint.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	log        *slog.Logger
}

// New listens on addr and registers health for every job type.
func New(addr string, log *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		log:        log,
	}
	s.SetServing(true)
	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	for _, t := range pipeline.JobTypes {
		s.health.SetServingStatus(ServiceName+"."+string(t), status)
	}
}

// Serve runs until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	defer s.Close()

	s.log.Info("grpc health server listening", "addr", s.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases the listener and stops the server immediately.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.health.Shutdown()
	s.grpcServer.Stop()
	_ = s.listener.Close()
}

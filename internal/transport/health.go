// Package transport exposes the admin gRPC surface of a root server or relay:
// the standard gRPC health service, guarded by an optional token.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/srbnfs/pkg"
)

// Health service names announced by each process kind.
const (
	RootServerService  = "srbnfs.RootServer"
	RelayServerService = "srbnfs.RelayServer"
)

// HealthServer serves grpc.health.v1.Health for one named service.
type HealthServer struct {
	service   string
	address   string
	authToken string
	logger    *pkg.Logger

	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	serving  bool
	mu       sync.Mutex
}

// NewHealthServer creates a health server for service bound to address.
// An empty authToken disables authentication.
func NewHealthServer(service, address, authToken string, logger *pkg.Logger) (*HealthServer, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &HealthServer{
		service:   service,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "admin_server", "service": service}),
		health:    health.NewServer(),
		serving:   true,
	}, nil
}

// Start binds the address and begins serving. The service reports SERVING
// unless SetServing(false) was called first.
func (s *HealthServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
		grpc.StreamInterceptor(AuthStreamInterceptor(s.authToken)),
	}

	s.mu.Lock()
	s.listener = listener
	s.server = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	serving := s.serving
	s.mu.Unlock()

	s.SetServing(serving)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("auth", s.authToken != "").
		Msg("Starting admin gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("Admin gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// SetServing flips the reported status of the service and of the server as a whole.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.mu.Lock()
	s.serving = serving
	s.mu.Unlock()

	s.health.SetServingStatus(s.service, status)
	s.health.SetServingStatus("", status)

	s.logger.Debug().Str("status", status.String()).Msg("Serving status changed")
}

// Check answers a health request in process, without the token check.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	return s.health.Check(ctx, req)
}

// Stop reports NOT_SERVING to watchers and stops the server.
func (s *HealthServer) Stop() error {
	s.logger.Info().Msg("Stopping admin gRPC server")

	s.health.Shutdown()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.GracefulStop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	return nil
}

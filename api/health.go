package api

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported by the admin health endpoint.
const HealthService = "ledger"

// HealthServer exposes grpc.health.v1.Health for the ledger service.
type HealthServer struct {
	address    string
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *zap.Logger
	running    bool
	mu         sync.Mutex
}

// NewHealthServer creates a health server for address. The ledger
// service starts as NOT_SERVING.
func NewHealthServer(address string, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &HealthServer{
		address:    address,
		grpcServer: gs,
		health:     hs,
		logger:     logger,
	}
}

// StartAsync listens and serves in a background goroutine.
func (s *HealthServer) StartAsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("health server is already running")
	}

	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = lis
	s.running = true

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Warn("health server stopped", zap.Error(err))
		}
	}()
	return nil
}

// SetServing flips the ledger service status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

// Addr returns the bound address, or nil before StartAsync.
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Package api provides the ledger TCP server, its connection handler and
// the admin endpoints (Prometheus metrics, gRPC health).
package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/MutexLedger-Engine/core"
)

// ServerConfig holds configuration for the ledger server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8888")
	Address string

	// Workers is the number of acceptor goroutines
	Workers int

	// ShutdownTimeout bounds the drain of in-flight connections
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         ":8888",
		Workers:         core.DefaultWorkers,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LedgerServer listens on TCP and serves connections from a fixed pool
// of acceptor workers.
type LedgerServer struct {
	config   ServerConfig
	handler  core.Handler
	logger   *zap.Logger
	listener net.Listener
	pool     *core.AcceptorPool
	running  bool
	mu       sync.Mutex
	done     chan struct{}
}

// NewLedgerServer creates a server that runs handler for every connection.
func NewLedgerServer(config ServerConfig, handler core.Handler, logger *zap.Logger) *LedgerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	return &LedgerServer{
		config:  config,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// StartAsync binds the listener and starts the worker pool.
func (s *LedgerServer) StartAsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = lis
	s.pool = core.NewAcceptorPool("ledger", s.config.Workers, lis, s.handler, s.logger)
	s.running = true

	s.logger.Info("ledger server listening",
		zap.String("address", lis.Addr().String()),
		zap.Int("workers", s.pool.GetStats().Workers))
	return nil
}

// Start starts the server and blocks until ctx is cancelled, then drains.
func (s *LedgerServer) Start(ctx context.Context) error {
	if err := s.StartAsync(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
		return nil
	}
	return s.Stop()
}

// Stop closes the listener and waits for in-flight connections, up to the
// configured shutdown timeout.
func (s *LedgerServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	pool := s.pool
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Info("ledger server draining", zap.Int64("active", pool.GetStats().Active))
	if err := pool.ShutdownWithTimeout(s.config.ShutdownTimeout); err != nil {
		s.logger.Warn("drain incomplete", zap.Error(err))
		return err
	}
	s.logger.Info("ledger server stopped")
	return nil
}

// Addr returns the bound address, or nil before StartAsync.
func (s *LedgerServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns the worker pool statistics.
func (s *LedgerServer) Stats() core.PoolStats {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return core.PoolStats{Name: "ledger", Workers: s.config.Workers}
	}
	return pool.GetStats()
}

// IsRunning returns true while the server accepts connections.
func (s *LedgerServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

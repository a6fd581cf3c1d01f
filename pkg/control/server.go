// Package control exposes the host's service health over gRPC.
package control

import (
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

// HostService is the health service name that reports the host itself.
const HostService = ""

// Server serves grpc.health.v1.Health with one entry per supervised service.
type Server struct {
	port   int
	health *health.Server
	logger logging.Logger

	mu       sync.Mutex
	grpc     *grpc.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(port int, logger logging.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(HostService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		port:   port,
		health: hs,
		logger: logger,
	}
}

// OnStateChange is a supervisor.StateListener.
func (s *Server) OnStateChange(name string, state supervisor.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == supervisor.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(name, status)
}

// Start listens on 127.0.0.1 at the configured port.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewNetworkError("failed to bind control server", err).WithContext("address", addr)
	}
	return s.Serve(listener)
}

// Serve starts serving on listener in the background.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpc != nil {
		return errors.NewConflictError("control server is already running", nil)
	}

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, s.health)
	done := make(chan struct{})
	s.grpc = server
	s.listener = listener
	s.done = done
	s.health.Resume()
	s.health.SetServingStatus(HostService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Errorf("Control server error: %v", err)
		}
	}()

	s.logger.Infof("Control server listening, address: %s", listener.Addr().String())
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.grpc
	s.grpc = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return
	}
	s.logger.Infof("Stopping control server...")
	s.health.Shutdown()
	server.GracefulStop()
}

// Done is closed when the most recent serving loop ends.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

package gateway

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/sessions"
)

// Server owns the gateway listener.
type Server struct {
	config  ProxyConfig
	handler http.Handler
	logger  logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(config ProxyConfig, reg *sessions.Registry, m *metrics.Collector, logger logging.Logger) (*Server, error) {
	if err := ValidateProxyConfig(config); err != nil {
		return nil, err
	}
	handler, err := NewHandler(config, reg, m, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		config:  config,
		handler: chain(m, config.Prefix, handler),
		logger:  logger,
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.NewConflictError("gateway is already running", nil)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewNetworkError("failed to bind gateway", err).WithContext("address", addr)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	done := make(chan struct{})
	s.server = server
	s.listener = listener
	s.done = done

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Gateway server error: %v", err)
		}
	}()

	s.logger.Infof("Gateway listening, address: %s, prefix: %s", listener.Addr().String(), s.config.Prefix)
	return nil
}

// Stop closes the listener and any open connections. Stopping a stopped
// gateway is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	s.logger.Infof("Stopping gateway...")
	if err := server.Close(); err != nil {
		return errors.NewNetworkError("failed to close gateway", err)
	}
	return nil
}

// Done is closed when the most recent serving loop ends. It is nil before
// the first Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
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

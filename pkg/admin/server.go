// Package admin is the local HTTP management API of the host.
package admin

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/events"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/metrics"
	"github.com/core-tools/hsu-host/pkg/sessions"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

// Services is the part of the supervisor the admin API drives.
type Services interface {
	Status() []supervisor.ServiceStatus
	RestartActive() supervisor.Result
	Stop(name string) error
}

type Server struct {
	address  string
	services Services
	sessions *sessions.Registry
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   logging.Logger
	router   chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(address string, services Services, reg *sessions.Registry, bus *events.Bus, m *metrics.Collector, logger logging.Logger) *Server {
	s := &Server{
		address:  address,
		services: services,
		sessions: reg,
		bus:      bus,
		metrics:  m,
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	r.Route("/servers", func(r chi.Router) {
		r.Post("/restart-active", s.handleRestartActive)
		r.Delete("/{name}", s.handleStopServer)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Put("/{id}", s.handlePutSession)
		r.Delete("/{id}", s.handleDeleteSession)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the admin address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.NewConflictError("admin server is already running", nil)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.NewNetworkError("failed to bind admin server", err).WithContext("address", s.address)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	s.server = server
	s.listener = listener
	s.done = done

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Admin server error: %v", err)
		}
	}()

	s.logger.Infof("Admin server listening, address: %s", listener.Addr().String())
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	s.logger.Infof("Stopping admin server...")
	if err := server.Close(); err != nil {
		return errors.NewNetworkError("failed to close admin server", err)
	}
	return nil
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
